package rank

import (
	"testing"
	"time"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

var rerankNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return rerankNow }

func TestAuthorityScore(t *testing.T) {
	cases := []struct {
		url  string
		want float64
	}{
		{"https://cs.stanford.edu/papers/retrieval", 1.0},
		{"https://www.usa.gov/agencies", 1.0},
		{"https://en.wikipedia.org/wiki/BM25", 0.9},
		{"https://arxiv.org/abs/2005.11401", 0.9},
		{"https://golang.org/doc", 0.7},
		{"https://example.com/blog", 0.5},
		{"", 0.5},
		{"://not-a-url", 0.5},
		{"just some text", 0.5},
	}
	for _, tc := range cases {
		if got := authorityScore(tc.url); got != tc.want {
			t.Errorf("authorityScore(%q) = %f, want %f", tc.url, got, tc.want)
		}
	}
}

func TestFreshnessScore(t *testing.T) {
	recent := freshnessScore(rerankNow.Add(-24*time.Hour).Format(time.RFC3339), rerankNow)
	old := freshnessScore(rerankNow.Add(-2*365*24*time.Hour).Format(time.RFC3339), rerankNow)
	if recent <= old {
		t.Errorf("freshness must decay with age: recent %f <= old %f", recent, old)
	}
	if recent <= 0.9 {
		t.Errorf("day-old result scored %f", recent)
	}

	future := freshnessScore(rerankNow.Add(365*24*time.Hour).Format(time.RFC3339), rerankNow)
	if future != 0.3 {
		t.Errorf("future date score = %f, want penalty 0.3", future)
	}

	if got := freshnessScore("", rerankNow); got != 0.5 {
		t.Errorf("missing date score = %f, want neutral 0.5", got)
	}
	if got := freshnessScore("yesterday-ish", rerankNow); got != 0.5 {
		t.Errorf("unparsable date score = %f, want neutral 0.5", got)
	}
}

func TestRerank_BoostsAuthoritativeFreshMatch(t *testing.T) {
	query := "graph neural networks"

	plain := sr("plain", 0, "lorem ipsum dolor sit amet", 1.0)
	strong := sr("strong", 0, "graph neural networks aggregate neighborhood features", 0.9)
	strong.Metadata = map[string]string{
		domain.MetaTitle:       "Graph Neural Networks: A Survey",
		domain.MetaURL:         "https://cs.stanford.edu/survey",
		domain.MetaPublishedAt: rerankNow.Add(-48 * time.Hour).Format(time.RFC3339),
	}

	out := Rerank(query, []domain.ScoredResult{plain, strong}, RerankConfig{
		Strategy: RerankScoreBased,
		Now:      fixedNow,
	})
	if len(out) != 2 {
		t.Fatalf("got %d results", len(out))
	}

	if out[0].DocumentID != "strong" {
		t.Fatalf("expected annotated match to outrank raw score, got %s first", out[0].DocumentID)
	}
	if out[0].RankChange != 1 {
		t.Errorf("promoted result RankChange = %d, want 1", out[0].RankChange)
	}
	if out[1].RankChange != -1 {
		t.Errorf("demoted result RankChange = %d, want -1", out[1].RankChange)
	}

	top := out[0]
	if top.RelevanceScore <= out[1].RelevanceScore {
		t.Error("phrase match in title did not raise relevance")
	}
	if top.AuthorityScore != 1.0 {
		t.Errorf("authority = %f, want 1.0 for .edu", top.AuthorityScore)
	}
	if top.OriginalScore != 0.9 {
		t.Errorf("original score not preserved: %f", top.OriginalScore)
	}
}

func TestRerank_NoneStrategyPreservesOrder(t *testing.T) {
	results := []domain.ScoredResult{
		sr("a", 0, "first", 0.9),
		sr("b", 0, "second", 0.8),
	}
	out := Rerank("anything", results, RerankConfig{Strategy: RerankNone, Now: fixedNow})

	for i, r := range out {
		if r.DocumentID != results[i].DocumentID {
			t.Errorf("position %d: got %s, want %s", i, r.DocumentID, results[i].DocumentID)
		}
		if r.RankChange != 0 {
			t.Errorf("none strategy must not move results, RankChange = %d", r.RankChange)
		}
		if r.RerankedScore != results[i].Score {
			t.Errorf("none strategy must keep the original score")
		}
	}
}

func TestRerank_InvalidWeightsFallBack(t *testing.T) {
	results := []domain.ScoredResult{sr("a", 0, "budget allocation for context", 0.9)}

	out := Rerank("budget allocation", results, RerankConfig{
		Strategy: RerankScoreBased,
		Weights:  RerankWeights{}, // zero weights are invalid
		Now:      fixedNow,
	})
	if out[0].RerankedScore <= 0 {
		t.Errorf("default weights not applied, score = %f", out[0].RerankedScore)
	}
}

func TestRerank_EmptyInput(t *testing.T) {
	if out := Rerank("q", nil, RerankConfig{Strategy: RerankScoreBased, Now: fixedNow}); len(out) != 0 {
		t.Errorf("expected empty output, got %d", len(out))
	}
}
