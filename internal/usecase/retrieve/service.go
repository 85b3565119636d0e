package retrieve

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/budget"
	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/rank"
	"github.com/lodestone-ai/lodestone/internal/resilience"
)

// Logical service names used for breakers and degradation tracking.
const (
	ServiceLexical     = "lexical_index"
	ServiceEmbedding   = "embedding"
	ServiceVectorStore = "vector_store"
	ServiceWebSearch   = "web_search"
)

// Config tunes the query-time pipeline.
type Config struct {
	TopK           int
	Weights        rank.Weights
	MinScore       float64
	Deduplicate    bool
	DedupThreshold float64

	MMREnabled bool
	MMRLambda  float64

	Rerank    rank.RerankConfig
	Threshold rank.ThresholdOptions

	WebEnabled    bool
	WebMaxResults int

	// Budget defaults; per-request hints override them.
	BudgetModel           string
	BudgetResponseReserve int
	BudgetAllocation      *budget.Allocation
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if !c.Weights.Valid() {
		c.Weights = rank.DefaultWeights
	}
	if c.MMRLambda <= 0 || c.MMRLambda > 1 {
		c.MMRLambda = 0.7
	}
	if c.WebMaxResults <= 0 {
		c.WebMaxResults = 5
	}
	return c
}

// BudgetHints carries the caller's generation plan into budget fitting.
type BudgetHints struct {
	Model           string
	SystemPrompt    string
	UserPrompt      string
	ResponseReserve int
	Allocation      *budget.Allocation
}

// Request is one retrieval call.
type Request struct {
	Query       string
	UserID      string
	TopicID     string
	DocumentIDs []string
	// TopK overrides the configured result cap when positive.
	TopK int
	// IncludeWeb overrides the configured web-branch toggle when set.
	IncludeWeb *bool
	Budget     BudgetHints
}

// Diagnostics reports how the pipeline behaved without blocking the response.
type Diagnostics struct {
	BranchErrors     map[string]string      `json:"branch_errors,omitempty"`
	RecoveryActions  map[string]string      `json:"recovery_actions,omitempty"`
	AffectedServices []string               `json:"affected_services,omitempty"`
	Degradation      string                 `json:"degradation"`
	Threshold        rank.ThresholdDecision `json:"threshold"`
	DiversityScore   float64                `json:"diversity_score"`
	LexicalHits      int                    `json:"lexical_hits"`
	VectorHits       int                    `json:"vector_hits"`
	WebHits          int                    `json:"web_hits"`
	MergedCount      int                    `json:"merged_count"`
	FinalCount       int                    `json:"final_count"`
	BudgetWarnings   []string               `json:"budget_warnings,omitempty"`
}

// Response is the assembled, budget-bounded retrieval result.
type Response struct {
	Results     []domain.RerankedResult `json:"results"`
	WebResults  []domain.RerankedResult `json:"web_results,omitempty"`
	Context     string                  `json:"context"`
	WebContext  string                  `json:"web_context,omitempty"`
	Budget      budget.TokenBudget      `json:"budget"`
	Diagnostics Diagnostics             `json:"diagnostics"`
}

// Service runs the query-time pipeline: parallel lexical/vector/web
// retrieval, score fusion, diversity selection, reranking, adaptive
// thresholding, and token budget fitting. A failing branch contributes an
// empty result set and a diagnostics entry; only all branches failing
// fails the call.
type Service struct {
	lexical  LexicalIndex
	embedder QueryEmbedder
	vectors  VectorStore
	web      WebSearcher
	breakers Breakers
	retryer  Retryer
	tracker  Degradation
	planner  BudgetPlanner
	cfg      Config
	logger   *zap.Logger
}

// New creates a retrieval service. web may be nil when no provider is
// configured; the web branch is then skipped regardless of config.
func New(
	lex LexicalIndex, emb QueryEmbedder, vs VectorStore, web WebSearcher,
	breakers Breakers, retryer Retryer, tracker Degradation, planner BudgetPlanner,
	cfg Config, logger *zap.Logger,
) *Service {
	return &Service{
		lexical:  lex,
		embedder: emb,
		vectors:  vs,
		web:      web,
		breakers: breakers,
		retryer:  retryer,
		tracker:  tracker,
		planner:  planner,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

type branchOutcome struct {
	lexical []domain.ScoredResult
	vector  []domain.ScoredResult
	web     []domain.ScoredResult
	errs    map[string]error
	actions map[string]resilience.RecoveryAction
}

// Retrieve runs the full pipeline for one query.
func (s *Service) Retrieve(ctx context.Context, req Request) (Response, error) {
	switch {
	case strings.TrimSpace(req.Query) == "":
		return Response{}, fmt.Errorf("%w: query is empty", domain.ErrValidation)
	case req.UserID == "":
		return Response{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	webEnabled := s.cfg.WebEnabled && s.web != nil
	if req.IncludeWeb != nil {
		webEnabled = *req.IncludeWeb && s.web != nil
	}

	out := s.runBranches(ctx, req, topK, webEnabled)

	enabled := 2
	if webEnabled {
		enabled = 3
	}
	if len(out.errs) == enabled {
		metrics.RetrievalRequestsTotal.WithLabelValues("error").Inc()
		return Response{}, domain.NewDependencyError("retrieval", 0,
			fmt.Errorf("all %d retrieval branches failed: %v", enabled, branchErrorStrings(out.errs)))
	}

	merged := rank.Merge(out.lexical, out.vector, s.cfg.Weights, rank.MergeOptions{
		MaxResults:     topK * 3,
		MinScore:       s.cfg.MinScore,
		Deduplicate:    s.cfg.Deduplicate,
		DedupThreshold: s.cfg.DedupThreshold,
	})
	metrics.RetrievalResults.WithLabelValues("merged").Observe(float64(len(merged)))

	selected := merged
	if s.cfg.MMREnabled {
		selected = rank.SelectDiverse(merged, rank.MMROptions{
			Lambda:     s.cfg.MMRLambda,
			MaxResults: topK,
		})
	} else if len(selected) > topK {
		selected = selected[:topK]
	}

	reranked := rank.Rerank(req.Query, selected, s.cfg.Rerank)

	decision := rank.CalculateThreshold(req.Query, scoresOf(reranked), s.cfg.Threshold)
	final := aboveThreshold(reranked, decision.Threshold)
	metrics.RetrievalResults.WithLabelValues("final").Observe(float64(len(final)))

	webRanked := s.rankWeb(req.Query, out.web)

	resp := Response{
		Results:    final,
		WebResults: webRanked,
		Diagnostics: Diagnostics{
			Threshold:      decision,
			DiversityScore: rank.DiversityScore(stripRerank(final)),
			LexicalHits:    len(out.lexical),
			VectorHits:     len(out.vector),
			WebHits:        len(out.web),
			MergedCount:    len(merged),
			FinalCount:     len(final),
		},
	}

	if len(out.errs) > 0 {
		resp.Diagnostics.BranchErrors = branchErrorStrings(out.errs)
		resp.Diagnostics.RecoveryActions = recoveryActionStrings(out.actions)
	}
	status := s.tracker.Status()
	resp.Diagnostics.Degradation = status.Overall.String()
	resp.Diagnostics.AffectedServices = status.AffectedServices

	if err := s.fitBudget(req, &resp, final, webRanked); err != nil {
		return Response{}, err
	}

	metrics.RetrievalRequestsTotal.WithLabelValues("success").Inc()

	s.logger.Debug("Retrieval completed",
		zap.String("user_id", req.UserID),
		zap.Int("lexical_hits", len(out.lexical)),
		zap.Int("vector_hits", len(out.vector)),
		zap.Int("web_hits", len(out.web)),
		zap.Int("final", len(final)),
		zap.Float64("threshold", decision.Threshold),
		zap.String("degradation", resp.Diagnostics.Degradation),
	)

	return resp, nil
}

// runBranches executes the enabled retrieval branches concurrently. Each
// branch failure is mapped through the recovery policy: a skip-class error
// (bad input, auth) drops the branch without marking the service degraded,
// anything else records degradation and the branch contributes nothing.
func (s *Service) runBranches(ctx context.Context, req Request, topK int, webEnabled bool) branchOutcome {
	out := branchOutcome{
		errs:    make(map[string]error),
		actions: make(map[string]resilience.RecoveryAction),
	}

	var mu sync.Mutex
	fail := func(branch, service string, err error, hasFallback bool) {
		kind := resilience.Classify(err)
		action := resilience.AttemptRecovery(err, hasFallback)
		metrics.RetrievalBranchFailures.WithLabelValues(branch, string(kind)).Inc()
		if action != resilience.ActionSkip {
			level := s.tracker.RecordFailure(service, err)
			metrics.DegradationLevel.WithLabelValues(service).Set(float64(level))
		}
		mu.Lock()
		out.errs[service] = err
		out.actions[service] = action
		mu.Unlock()
	}
	ok := func(service string) {
		s.tracker.RecordSuccess(service)
		metrics.DegradationLevel.WithLabelValues(service).Set(float64(resilience.LevelNone))
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		hits, err := s.lexical.Search(req.Query, index.SearchOptions{
			UserID:      req.UserID,
			TopicID:     req.TopicID,
			DocumentIDs: req.DocumentIDs,
			TopK:        topK,
		})
		metrics.RetrievalBranchDuration.WithLabelValues("lexical").Observe(time.Since(start).Seconds())
		if err != nil {
			fail("lexical", ServiceLexical, err, true)
			return
		}
		ok(ServiceLexical)
		out.lexical = lexicalToScored(hits)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		matches, err := s.vectorSearch(ctx, req, topK)
		metrics.RetrievalBranchDuration.WithLabelValues("vector").Observe(time.Since(start).Seconds())
		if err != nil {
			fail("vector", ServiceVectorStore, err, true)
			return
		}
		ok(ServiceVectorStore)
		out.vector = vectorToScored(matches)
	}()

	if webEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			var results []domain.WebResult
			err := s.retryer.Execute(ctx, func(ctx context.Context) error {
				return s.breakers.Execute(ctx, ServiceWebSearch, func(ctx context.Context) error {
					var searchErr error
					results, searchErr = s.web.Search(ctx, req.Query, s.cfg.WebMaxResults)
					return searchErr
				})
			})
			metrics.RetrievalBranchDuration.WithLabelValues("web").Observe(time.Since(start).Seconds())
			if err != nil {
				fail("web", ServiceWebSearch, err, false)
				return
			}
			ok(ServiceWebSearch)
			out.web = webToScored(results)
		}()
	}

	wg.Wait()
	return out
}

// vectorSearch embeds the query, then queries the vector store. Each call
// runs behind its own breaker so an embedding outage and a vector store
// outage trip independently.
func (s *Service) vectorSearch(ctx context.Context, req Request, topK int) ([]domain.VectorMatch, error) {
	var embedding domain.EmbeddingResult
	err := s.retryer.Execute(ctx, func(ctx context.Context) error {
		return s.breakers.Execute(ctx, ServiceEmbedding, func(ctx context.Context) error {
			var embErr error
			embedding, embErr = s.embedder.Embed(ctx, req.Query)
			return embErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var matches []domain.VectorMatch
	err = s.retryer.Execute(ctx, func(ctx context.Context) error {
		return s.breakers.Execute(ctx, ServiceVectorStore, func(ctx context.Context) error {
			var queryErr error
			matches, queryErr = s.vectors.Query(ctx, embedding.Embedding, domain.VectorFilter{
				UserID:      req.UserID,
				TopicID:     req.TopicID,
				DocumentIDs: req.DocumentIDs,
			}, topK)
			return queryErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	return matches, nil
}

// rankWeb reranks web hits by authority and freshness, capped at the
// configured result count.
func (s *Service) rankWeb(query string, web []domain.ScoredResult) []domain.RerankedResult {
	if len(web) == 0 {
		return nil
	}
	ranked := rank.Rerank(query, web, s.cfg.Rerank)
	if len(ranked) > s.cfg.WebMaxResults {
		ranked = ranked[:s.cfg.WebMaxResults]
	}
	return ranked
}

// fitBudget trims the assembled contexts to the generation model's window.
// Without a model hint or default, contexts pass through untrimmed.
func (s *Service) fitBudget(req Request, resp *Response, final, web []domain.RerankedResult) error {
	docText := joinContents(final)
	webText := joinContents(web)

	model := req.Budget.Model
	if model == "" {
		model = s.cfg.BudgetModel
	}
	if model == "" {
		resp.Context = docText
		resp.WebContext = webText
		return nil
	}

	reserve := req.Budget.ResponseReserve
	if reserve == 0 {
		reserve = s.cfg.BudgetResponseReserve
	}
	allocation := req.Budget.Allocation
	if allocation == nil {
		allocation = s.cfg.BudgetAllocation
	}

	plan, err := s.planner.CalculateBudget(budget.Request{
		Model:           model,
		SystemPrompt:    req.Budget.SystemPrompt,
		UserPrompt:      req.Budget.UserPrompt,
		ResponseReserve: reserve,
		Allocation:      allocation,
	})
	if err != nil {
		return fmt.Errorf("calculate budget: %w", err)
	}

	fitted, err := s.planner.AllocateContext(plan, budget.ContextInput{
		DocumentContext: docText,
		WebResults:      webText,
	})
	if err != nil {
		return fmt.Errorf("allocate context: %w", err)
	}

	resp.Context = fitted.DocumentContext
	resp.WebContext = fitted.WebResults
	resp.Budget = plan
	resp.Diagnostics.BudgetWarnings = append(plan.Warnings, fitted.Warnings...)
	return nil
}

// --- conversions ---

func lexicalToScored(hits []index.Hit) []domain.ScoredResult {
	results := make([]domain.ScoredResult, len(hits))
	for i, h := range hits {
		results[i] = domain.ScoredResult{
			DocumentID: h.Document.DocumentID,
			ChunkIndex: h.Document.ChunkIndex,
			Content:    h.Document.Content,
			Score:      h.Score,
			Source:     domain.SourceLexical,
		}
	}
	return results
}

func vectorToScored(matches []domain.VectorMatch) []domain.ScoredResult {
	results := make([]domain.ScoredResult, len(matches))
	for i, m := range matches {
		results[i] = domain.ScoredResult{
			DocumentID: m.DocumentID,
			ChunkIndex: m.ChunkIndex,
			Content:    m.Content,
			Score:      m.Score,
			Source:     domain.SourceVector,
			Metadata:   m.Metadata,
		}
	}
	return results
}

func webToScored(results []domain.WebResult) []domain.ScoredResult {
	scored := make([]domain.ScoredResult, len(results))
	for i, r := range results {
		meta := map[string]string{
			domain.MetaTitle: r.Title,
			domain.MetaURL:   r.URL,
		}
		if r.PublishedAt != nil {
			meta[domain.MetaPublishedAt] = r.PublishedAt.Format(time.RFC3339)
		}
		scored[i] = domain.ScoredResult{
			DocumentID: r.URL,
			ChunkIndex: i,
			Content:    r.Content,
			Score:      r.Score,
			Source:     domain.SourceWeb,
			Metadata:   meta,
		}
	}
	return scored
}

func scoresOf(results []domain.RerankedResult) []float64 {
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.RerankedScore
	}
	return scores
}

func aboveThreshold(results []domain.RerankedResult, threshold float64) []domain.RerankedResult {
	kept := make([]domain.RerankedResult, 0, len(results))
	for _, r := range results {
		if r.RerankedScore >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}

func stripRerank(results []domain.RerankedResult) []domain.ScoredResult {
	scored := make([]domain.ScoredResult, len(results))
	for i, r := range results {
		scored[i] = r.ScoredResult
	}
	return scored
}

func joinContents(results []domain.RerankedResult) string {
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Content
	}
	return strings.Join(parts, "\n\n")
}

func branchErrorStrings(errs map[string]error) map[string]string {
	msgs := make(map[string]string, len(errs))
	for service, err := range errs {
		msgs[service] = err.Error()
	}
	return msgs
}

func recoveryActionStrings(actions map[string]resilience.RecoveryAction) map[string]string {
	out := make(map[string]string, len(actions))
	for service, action := range actions {
		out[service] = string(action)
	}
	return out
}
