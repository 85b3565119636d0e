package retrieve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/budget"
	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
	"github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/rank"
	"github.com/lodestone-ai/lodestone/internal/resilience"
)

func TestMain(m *testing.M) {
	metrics.RegisterRetrievalMetrics()
	os.Exit(m.Run())
}

// --- mocks ---

type mockIndex struct {
	hits     []index.Hit
	err      error
	calls    int
	lastOpts index.SearchOptions
}

func (m *mockIndex) Search(_ string, opts index.SearchOptions) ([]index.Hit, error) {
	m.calls++
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

type mockEmbedder struct {
	err   error
	calls int
}

func (m *mockEmbedder) Embed(_ context.Context, _ string) (domain.EmbeddingResult, error) {
	m.calls++
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	return domain.EmbeddingResult{
		Embedding:   []float32{0.1, 0.2, 0.3, 0.4},
		TotalTokens: 5,
	}, nil
}

type mockVectorStore struct {
	matches    []domain.VectorMatch
	err        error
	calls      int
	lastFilter domain.VectorFilter
	lastTopK   int
}

func (m *mockVectorStore) Query(_ context.Context, _ []float32, filter domain.VectorFilter, topK int) ([]domain.VectorMatch, error) {
	m.calls++
	m.lastFilter = filter
	m.lastTopK = topK
	if m.err != nil {
		return nil, m.err
	}
	return m.matches, nil
}

type mockWeb struct {
	results []domain.WebResult
	err     error
	calls   int
}

func (m *mockWeb) Search(_ context.Context, _ string, _ int) ([]domain.WebResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.results, nil
}

type mockPlanner struct {
	calcCalls  int
	allocCalls int
	lastReq    budget.Request
	lastIn     budget.ContextInput
}

func (m *mockPlanner) CalculateBudget(req budget.Request) (budget.TokenBudget, error) {
	m.calcCalls++
	m.lastReq = req
	return budget.TokenBudget{
		Model:           req.Model,
		ModelLimit:      8192,
		ResponseReserve: req.ResponseReserve,
		DocumentContext: 4000,
		WebContext:      1000,
	}, nil
}

func (m *mockPlanner) AllocateContext(b budget.TokenBudget, in budget.ContextInput) (budget.AllocatedContext, error) {
	m.allocCalls++
	m.lastIn = in
	return budget.AllocatedContext{
		DocumentContext: in.DocumentContext,
		WebResults:      in.WebResults,
		Warnings:        []string{"web context trimmed"},
	}, nil
}

// --- fixture ---

type fixture struct {
	idx     *mockIndex
	emb     *mockEmbedder
	vs      *mockVectorStore
	web     *mockWeb
	planner *mockPlanner
	tracker *resilience.Tracker
	svc     *Service
}

func testHits(docID string, n int) []index.Hit {
	hits := make([]index.Hit, n)
	for i := range hits {
		hits[i] = index.Hit{
			Document: index.IndexedDocument{
				ID:         fmt.Sprintf("%s:%d", docID, i),
				DocumentID: docID,
				UserID:     "user-1",
				ChunkIndex: i,
				Content:    fmt.Sprintf("lexical chunk %d about storage engines", i),
			},
			Score: 2.0 - float64(i),
		}
	}
	return hits
}

func testMatches(docID string, n int) []domain.VectorMatch {
	matches := make([]domain.VectorMatch, n)
	for i := range matches {
		matches[i] = domain.VectorMatch{
			DocumentID: docID,
			ChunkIndex: i,
			Content:    fmt.Sprintf("vector chunk %d about index compaction", i),
			Score:      0.9 - 0.1*float64(i),
		}
	}
	return matches
}

func testConfig() Config {
	return Config{
		TopK:      5,
		Rerank:    rank.RerankConfig{Strategy: rank.RerankNone},
		Threshold: rank.ThresholdOptions{Enabled: false, Default: 0.01},
	}
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		idx:     &mockIndex{hits: testHits("doc-lex", 2)},
		emb:     &mockEmbedder{},
		vs:      &mockVectorStore{matches: testMatches("doc-vec", 2)},
		web:     &mockWeb{},
		planner: &mockPlanner{},
		tracker: resilience.NewTracker(),
	}
	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: 3,
		MonitoringWindow: time.Minute,
		ResetTimeout:     time.Second,
	})
	retryer := resilience.NewRetryer(resilience.RetryConfig{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})
	f.svc = New(f.idx, f.emb, f.vs, f.web, registry, retryer, f.tracker, f.planner, cfg, zap.NewNop())
	return f
}

// --- tests ---

func TestRetrieve_HappyPath(t *testing.T) {
	f := newFixture(testConfig())

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "how do storage engines work",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	// Min-max normalization zeroes the weakest hit of each branch, so the
	// two branch leaders survive the fixed 0.01 threshold.
	if got := resp.Diagnostics.MergedCount; got != 4 {
		t.Errorf("merged count = %d, want 4", got)
	}
	if got := len(resp.Results); got != 2 {
		t.Fatalf("results = %d, want 2", got)
	}
	if resp.Diagnostics.FinalCount != len(resp.Results) {
		t.Errorf("final count %d != results %d", resp.Diagnostics.FinalCount, len(resp.Results))
	}
	// Vector weight 0.7 beats lexical 0.3.
	if resp.Results[0].DocumentID != "doc-vec" {
		t.Errorf("top result = %s, want doc-vec", resp.Results[0].DocumentID)
	}
	if resp.Results[1].DocumentID != "doc-lex" {
		t.Errorf("second result = %s, want doc-lex", resp.Results[1].DocumentID)
	}

	if !strings.Contains(resp.Context, "vector chunk 0") || !strings.Contains(resp.Context, "lexical chunk 0") {
		t.Errorf("context missing branch contents: %q", resp.Context)
	}
	if resp.Diagnostics.LexicalHits != 2 || resp.Diagnostics.VectorHits != 2 {
		t.Errorf("branch hits = %d/%d, want 2/2",
			resp.Diagnostics.LexicalHits, resp.Diagnostics.VectorHits)
	}
	if resp.Diagnostics.Degradation != "none" {
		t.Errorf("degradation = %q, want none", resp.Diagnostics.Degradation)
	}
	if len(resp.Diagnostics.BranchErrors) != 0 {
		t.Errorf("unexpected branch errors: %v", resp.Diagnostics.BranchErrors)
	}
	// No model configured, so the planner stays idle.
	if f.planner.calcCalls != 0 {
		t.Errorf("planner called %d times without a model", f.planner.calcCalls)
	}
}

func TestRetrieve_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty query", Request{UserID: "user-1"}},
		{"blank query", Request{Query: "   ", UserID: "user-1"}},
		{"missing user", Request{Query: "anything"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(testConfig())
			_, err := f.svc.Retrieve(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if f.idx.calls != 0 || f.emb.calls != 0 {
				t.Errorf("branches ran on invalid request")
			}
		})
	}
}

func TestRetrieve_FiltersPropagate(t *testing.T) {
	f := newFixture(testConfig())

	_, err := f.svc.Retrieve(context.Background(), Request{
		Query:       "compaction",
		UserID:      "user-1",
		TopicID:     "topic-9",
		DocumentIDs: []string{"doc-vec"},
		TopK:        1,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if f.idx.lastOpts.UserID != "user-1" || f.idx.lastOpts.TopicID != "topic-9" {
		t.Errorf("lexical opts = %+v", f.idx.lastOpts)
	}
	if f.idx.lastOpts.TopK != 1 {
		t.Errorf("lexical topK = %d, want 1", f.idx.lastOpts.TopK)
	}
	if f.vs.lastFilter.UserID != "user-1" || f.vs.lastFilter.TopicID != "topic-9" {
		t.Errorf("vector filter = %+v", f.vs.lastFilter)
	}
	if len(f.vs.lastFilter.DocumentIDs) != 1 || f.vs.lastFilter.DocumentIDs[0] != "doc-vec" {
		t.Errorf("vector document filter = %v", f.vs.lastFilter.DocumentIDs)
	}
	if f.vs.lastTopK != 1 {
		t.Errorf("vector topK = %d, want 1", f.vs.lastTopK)
	}
}

func TestRetrieve_VectorBranchDegrades(t *testing.T) {
	f := newFixture(testConfig())
	f.emb.err = domain.NewDependencyError("openai", 503, errors.New("upstream down"))

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if f.emb.calls != 2 {
		t.Errorf("embed attempts = %d, want 2 (one retry)", f.emb.calls)
	}
	if f.vs.calls != 0 {
		t.Errorf("vector store queried after embed failure")
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected lexical-only results")
	}
	for _, r := range resp.Results {
		if r.Source != domain.SourceLexical {
			t.Errorf("result source = %s, want lexical", r.Source)
		}
	}
	if _, ok := resp.Diagnostics.BranchErrors[ServiceVectorStore]; !ok {
		t.Errorf("branch errors missing %s: %v", ServiceVectorStore, resp.Diagnostics.BranchErrors)
	}
	var affected bool
	for _, s := range resp.Diagnostics.AffectedServices {
		if s == ServiceVectorStore {
			affected = true
		}
	}
	if !affected {
		t.Errorf("affected services = %v, want %s", resp.Diagnostics.AffectedServices, ServiceVectorStore)
	}
	if resp.Diagnostics.Degradation == "none" {
		t.Error("degradation not reported after branch failure")
	}
}

func TestRetrieve_RecoveryActionReported(t *testing.T) {
	f := newFixture(testConfig())
	f.emb.err = fmt.Errorf("%w: 429 from provider", domain.ErrRateLimited)

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if got := resp.Diagnostics.RecoveryActions[ServiceVectorStore]; got != string(resilience.ActionWait) {
		t.Errorf("recovery action = %q, want %q", got, resilience.ActionWait)
	}
	if resp.Diagnostics.Degradation == "none" {
		t.Error("rate-limited branch must report degradation")
	}
}

func TestRetrieve_SkipClassErrorDoesNotDegrade(t *testing.T) {
	f := newFixture(testConfig())
	f.emb.err = fmt.Errorf("%w: bad input", domain.ErrValidation)

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if got := resp.Diagnostics.RecoveryActions[ServiceVectorStore]; got != string(resilience.ActionSkip) {
		t.Errorf("recovery action = %q, want %q", got, resilience.ActionSkip)
	}
	if resp.Diagnostics.Degradation != "none" {
		t.Errorf("degradation = %q, want none for a skip-class error", resp.Diagnostics.Degradation)
	}
	if len(resp.Diagnostics.AffectedServices) != 0 {
		t.Errorf("affected services = %v, want none", resp.Diagnostics.AffectedServices)
	}
}

func TestRetrieve_ValidationErrorNotRetried(t *testing.T) {
	f := newFixture(testConfig())
	f.emb.err = fmt.Errorf("%w: bad input", domain.ErrValidation)

	if _, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	}); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if f.emb.calls != 1 {
		t.Errorf("embed attempts = %d, want 1 for a permanent error", f.emb.calls)
	}
}

func TestRetrieve_AllBranchesFail(t *testing.T) {
	f := newFixture(testConfig())
	f.idx.err = errors.New("index corrupted")
	f.emb.err = domain.NewDependencyError("openai", 503, errors.New("down"))

	_, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	})
	if !errors.Is(err, domain.ErrDependency) {
		t.Fatalf("err = %v, want ErrDependency", err)
	}
}

func TestRetrieve_WebBranch(t *testing.T) {
	published := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.WebEnabled = true
	cfg.WebMaxResults = 2

	f := newFixture(cfg)
	f.web.results = []domain.WebResult{
		{Title: "LSM trees", URL: "https://example.org/lsm", Content: "web article on lsm trees", Score: 0.8, PublishedAt: &published},
		{Title: "B-trees", URL: "https://example.org/btree", Content: "web article on btrees", Score: 0.6},
		{Title: "Hash indexes", URL: "https://example.org/hash", Content: "web article on hashing", Score: 0.4},
	}

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if f.web.calls != 1 {
		t.Fatalf("web search calls = %d, want 1", f.web.calls)
	}
	if resp.Diagnostics.WebHits != 3 {
		t.Errorf("web hits = %d, want 3", resp.Diagnostics.WebHits)
	}
	if got := len(resp.WebResults); got != 2 {
		t.Fatalf("web results = %d, want 2 (capped)", got)
	}
	top := resp.WebResults[0]
	if top.Source != domain.SourceWeb {
		t.Errorf("web result source = %s, want web", top.Source)
	}
	if top.Metadata[domain.MetaTitle] != "LSM trees" || top.Metadata[domain.MetaURL] != "https://example.org/lsm" {
		t.Errorf("web metadata = %v", top.Metadata)
	}
	if top.Metadata[domain.MetaPublishedAt] == "" {
		t.Error("published date missing from metadata")
	}
	if !strings.Contains(resp.WebContext, "lsm trees") {
		t.Errorf("web context = %q", resp.WebContext)
	}
	// Web results never leak into the document result list.
	for _, r := range resp.Results {
		if r.Source == domain.SourceWeb {
			t.Errorf("web result in document results: %s", r.DocumentID)
		}
	}
}

func TestRetrieve_WebFailureDoesNotFailRequest(t *testing.T) {
	cfg := testConfig()
	cfg.WebEnabled = true

	f := newFixture(cfg)
	f.web.err = domain.NewDependencyError("websearch", 502, errors.New("gateway"))

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("document results dropped on web failure")
	}
	if _, ok := resp.Diagnostics.BranchErrors[ServiceWebSearch]; !ok {
		t.Errorf("branch errors missing %s: %v", ServiceWebSearch, resp.Diagnostics.BranchErrors)
	}
}

func TestRetrieve_IncludeWebOverride(t *testing.T) {
	t.Run("request enables disabled branch", func(t *testing.T) {
		f := newFixture(testConfig()) // web disabled in config
		include := true
		if _, err := f.svc.Retrieve(context.Background(), Request{
			Query: "storage", UserID: "user-1", IncludeWeb: &include,
		}); err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if f.web.calls != 1 {
			t.Errorf("web calls = %d, want 1", f.web.calls)
		}
	})

	t.Run("request disables enabled branch", func(t *testing.T) {
		cfg := testConfig()
		cfg.WebEnabled = true
		f := newFixture(cfg)
		include := false
		if _, err := f.svc.Retrieve(context.Background(), Request{
			Query: "storage", UserID: "user-1", IncludeWeb: &include,
		}); err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if f.web.calls != 0 {
			t.Errorf("web calls = %d, want 0", f.web.calls)
		}
	})
}

func TestRetrieve_BudgetFitting(t *testing.T) {
	cfg := testConfig()
	f := newFixture(cfg)

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
		Budget: BudgetHints{
			Model:           "gpt-4",
			SystemPrompt:    "you are helpful",
			UserPrompt:      "explain storage engines",
			ResponseReserve: 500,
		},
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if f.planner.calcCalls != 1 || f.planner.allocCalls != 1 {
		t.Fatalf("planner calls = %d/%d, want 1/1", f.planner.calcCalls, f.planner.allocCalls)
	}
	if f.planner.lastReq.Model != "gpt-4" || f.planner.lastReq.ResponseReserve != 500 {
		t.Errorf("budget request = %+v", f.planner.lastReq)
	}
	if resp.Budget.Model != "gpt-4" || resp.Budget.ModelLimit != 8192 {
		t.Errorf("budget = %+v", resp.Budget)
	}
	if !strings.Contains(f.planner.lastIn.DocumentContext, "vector chunk 0") {
		t.Errorf("planner input = %q", f.planner.lastIn.DocumentContext)
	}
	var warned bool
	for _, w := range resp.Diagnostics.BudgetWarnings {
		if w == "web context trimmed" {
			warned = true
		}
	}
	if !warned {
		t.Errorf("budget warnings = %v", resp.Diagnostics.BudgetWarnings)
	}
}

func TestRetrieve_ConfigModelUsedAsDefault(t *testing.T) {
	cfg := testConfig()
	cfg.BudgetModel = "gpt-4o-mini"
	cfg.BudgetResponseReserve = 256

	f := newFixture(cfg)
	if _, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	}); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if f.planner.lastReq.Model != "gpt-4o-mini" || f.planner.lastReq.ResponseReserve != 256 {
		t.Errorf("budget request = %+v", f.planner.lastReq)
	}
}

func TestRetrieve_MMRCapsResults(t *testing.T) {
	cfg := testConfig()
	cfg.TopK = 2
	cfg.MMREnabled = true
	cfg.MMRLambda = 0.7

	f := newFixture(cfg)
	f.idx.hits = testHits("doc-lex", 4)
	f.vs.matches = testMatches("doc-vec", 4)

	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query:  "storage engines",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Results) > 2 {
		t.Errorf("results = %d, want at most 2 after MMR", len(resp.Results))
	}
	// Merge caps the fused list at three times the result budget.
	if resp.Diagnostics.MergedCount != 6 {
		t.Errorf("merged count = %d, want 6", resp.Diagnostics.MergedCount)
	}
}

func TestRetrieve_RecoveryClearsDegradation(t *testing.T) {
	f := newFixture(testConfig())
	f.emb.err = domain.NewDependencyError("openai", 503, errors.New("down"))

	if _, err := f.svc.Retrieve(context.Background(), Request{
		Query: "storage", UserID: "user-1",
	}); err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	if f.tracker.Level(ServiceVectorStore) == resilience.LevelNone {
		t.Fatal("failure not tracked")
	}

	f.emb.err = nil
	resp, err := f.svc.Retrieve(context.Background(), Request{
		Query: "storage", UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}
	if resp.Diagnostics.Degradation != "none" {
		t.Errorf("degradation = %q after recovery", resp.Diagnostics.Degradation)
	}
	if len(resp.Diagnostics.AffectedServices) != 0 {
		t.Errorf("affected services = %v after recovery", resp.Diagnostics.AffectedServices)
	}
}
