package rank

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
)

// RerankStrategy selects the reranking behavior.
type RerankStrategy string

const (
	// RerankScoreBased re-sorts results by a weighted factor score.
	RerankScoreBased RerankStrategy = "score_based"
	// RerankNone preserves the input order and annotates neutral factors.
	RerankNone RerankStrategy = "none"
)

// RerankWeights split the combined score across the four factors. They
// should sum to roughly 1.0; anything else falls back to the defaults.
type RerankWeights struct {
	Relevance float64 `json:"relevance" yaml:"relevance"`
	Authority float64 `json:"authority" yaml:"authority"`
	Freshness float64 `json:"freshness" yaml:"freshness"`
	Original  float64 `json:"original" yaml:"original"`
}

// DefaultRerankWeights keep the original retrieval score dominant and use
// the content factors as tie-breakers.
var DefaultRerankWeights = RerankWeights{
	Relevance: 0.35,
	Authority: 0.15,
	Freshness: 0.10,
	Original:  0.40,
}

func (w RerankWeights) valid() bool {
	for _, f := range []float64{w.Relevance, w.Authority, w.Freshness, w.Original} {
		if f < 0 || f > 1 {
			return false
		}
	}
	sum := w.Relevance + w.Authority + w.Freshness + w.Original
	return sum > 0.99 && sum < 1.01
}

// RerankConfig tunes the reranker.
type RerankConfig struct {
	Strategy RerankStrategy
	Weights  RerankWeights

	// Now overrides the freshness clock in tests.
	Now func() time.Time
}

// Authority tiers. Matching is by host suffix so subdomains inherit the
// parent's tier.
var referenceHosts = []string{
	"wikipedia.org",
	"britannica.com",
	"nature.com",
	"acm.org",
	"ieee.org",
	"arxiv.org",
}

const (
	neutralAuthority = 0.5
	neutralFreshness = 0.5
	// freshnessHalfLife is the publication age at which the freshness
	// factor decays to half.
	freshnessHalfLife = 180 * 24 * time.Hour
)

// Rerank annotates each result with relevance, authority and freshness
// factors and re-sorts by their weighted sum. RankChange records how far
// each result moved against the input order.
func Rerank(query string, results []domain.ScoredResult, cfg RerankConfig) []domain.RerankedResult {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if !cfg.Weights.valid() {
		cfg.Weights = DefaultRerankWeights
	}

	origNorm := normalizeScores(results)
	queryTerms := index.Tokenize(query)

	out := make([]domain.RerankedResult, len(results))
	for i, r := range results {
		rr := domain.RerankedResult{
			ScoredResult:  r,
			OriginalScore: r.Score,
		}
		if cfg.Strategy == RerankNone {
			rr.RelevanceScore = 0.5
			rr.AuthorityScore = neutralAuthority
			rr.FreshnessScore = neutralFreshness
			rr.RerankedScore = r.Score
			out[i] = rr
			continue
		}

		rr.RelevanceScore = relevanceScore(queryTerms, query, r)
		rr.AuthorityScore = authorityScore(r.Metadata[domain.MetaURL])
		rr.FreshnessScore = freshnessScore(r.Metadata[domain.MetaPublishedAt], cfg.Now())
		rr.RerankedScore = cfg.Weights.Relevance*rr.RelevanceScore +
			cfg.Weights.Authority*rr.AuthorityScore +
			cfg.Weights.Freshness*rr.FreshnessScore +
			cfg.Weights.Original*origNorm[i]
		out[i] = rr
	}

	if cfg.Strategy == RerankNone {
		return out
	}

	inputPos := make(map[string]int, len(out))
	for i, r := range out {
		inputPos[r.Key()] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RerankedScore > out[j].RerankedScore
	})
	for i := range out {
		out[i].RankChange = inputPos[out[i].Key()] - i
	}
	return out
}

// relevanceScore rewards query-term coverage in the body and, more heavily,
// in the title, with a boost for an exact phrase match in the title.
func relevanceScore(queryTerms []string, query string, r domain.ScoredResult) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	title := r.Metadata[domain.MetaTitle]
	bodyTokens := tokenSet(r.Content)
	titleTokens := tokenSet(title)

	bodyHits, titleHits := 0, 0
	for _, t := range queryTerms {
		if bodyTokens[t] {
			bodyHits++
		}
		if titleTokens[t] {
			titleHits++
		}
	}
	n := float64(len(queryTerms))
	score := 0.5*float64(bodyHits)/n + 0.3*float64(titleHits)/n

	if title != "" && strings.Contains(strings.ToLower(title), strings.ToLower(strings.TrimSpace(query))) {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

// authorityScore ranks known high-trust hosts above the rest. Results
// without a URL (local documents) and malformed URLs score neutral.
func authorityScore(raw string) float64 {
	if raw == "" {
		return neutralAuthority
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return neutralAuthority
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case strings.HasSuffix(host, ".edu") || strings.HasSuffix(host, ".gov"):
		return 1.0
	case hasHostSuffix(host, referenceHosts):
		return 0.9
	case strings.HasSuffix(host, ".org"):
		return 0.7
	default:
		return neutralAuthority
	}
}

func hasHostSuffix(host string, suffixes []string) bool {
	for _, s := range suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// freshnessScore decays with publication age and penalizes implausible
// future dates. Missing or unparsable dates score neutral.
func freshnessScore(published string, now time.Time) float64 {
	if published == "" {
		return neutralFreshness
	}
	ts, err := time.Parse(time.RFC3339, published)
	if err != nil {
		return neutralFreshness
	}
	age := now.Sub(ts)
	if age < -24*time.Hour {
		// Claimed to be from the future.
		return 0.3
	}
	if age < 0 {
		age = 0
	}
	return math.Exp2(-float64(age) / float64(freshnessHalfLife))
}
