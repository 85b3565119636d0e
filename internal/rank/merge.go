// Package rank implements the query-time scoring stages: hybrid merge of
// lexical and vector hits, MMR diversity filtering, score-based reranking
// and adaptive threshold selection. Everything here is CPU-bound and runs
// synchronously once the retrieval branches have returned.
package rank

import (
	"sort"

	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
)

// Weights splits the combined score between the two retrieval branches.
type Weights struct {
	Lexical float64 `json:"lexical" yaml:"lexical"`
	Vector  float64 `json:"vector" yaml:"vector"`
}

// DefaultWeights favors the vector branch; lexical still contributes enough
// to surface exact-term matches the embedding misses.
var DefaultWeights = Weights{Lexical: 0.3, Vector: 0.7}

// Valid reports whether both weights are usable as-is. Negative or
// out-of-range weights, or an all-zero pair, fall back to the default split.
func (w Weights) Valid() bool {
	if w.Lexical < 0 || w.Lexical > 1 || w.Vector < 0 || w.Vector > 1 {
		return false
	}
	return w.Lexical+w.Vector > 0
}

func (w Weights) normalized() Weights {
	if !w.Valid() {
		w = DefaultWeights
	}
	sum := w.Lexical + w.Vector
	return Weights{Lexical: w.Lexical / sum, Vector: w.Vector / sum}
}

// MergeOptions bound and clean the merged list.
type MergeOptions struct {
	MaxResults int
	MinScore   float64
	// Deduplicate drops near-duplicate content, keeping the higher-scored
	// copy. DedupThreshold is the token Jaccard similarity above which two
	// contents count as duplicates; zero selects 0.9.
	Deduplicate    bool
	DedupThreshold float64
}

// Merge fuses the two branch result lists into one ranking. BM25 and cosine
// scores live on incomparable scales, so each list is min-max normalized
// within itself before the weighted sum. A result present in both lists is
// combined and tagged SourceBoth.
func Merge(lexical, vector []domain.ScoredResult, weights Weights, opts MergeOptions) []domain.ScoredResult {
	w := weights.normalized()
	lexNorm := normalizeScores(lexical)
	vecNorm := normalizeScores(vector)

	merged := make(map[string]domain.ScoredResult, len(lexical)+len(vector))
	for i, r := range lexical {
		r.Score = w.Lexical * lexNorm[i]
		r.Source = domain.SourceLexical
		merged[r.Key()] = r
	}
	for i, r := range vector {
		key := r.Key()
		if prev, ok := merged[key]; ok {
			prev.Score += w.Vector * vecNorm[i]
			prev.Source = domain.SourceBoth
			if prev.Content == "" {
				prev.Content = r.Content
			}
			merged[key] = prev
			continue
		}
		r.Score = w.Vector * vecNorm[i]
		r.Source = domain.SourceVector
		merged[key] = r
	}

	out := make([]domain.ScoredResult, 0, len(merged))
	for _, r := range merged {
		if r.Score >= opts.MinScore {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key() < out[j].Key()
	})

	if opts.Deduplicate {
		out = dedupe(out, opts.DedupThreshold)
	}
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}

// normalizeScores min-max normalizes within one list. A single result, or a
// list where every score ties, normalizes to 1.0.
func normalizeScores(results []domain.ScoredResult) []float64 {
	if len(results) == 0 {
		return nil
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	norm := make([]float64, len(results))
	for i, r := range results {
		if hi == lo {
			norm[i] = 1
			continue
		}
		norm[i] = (r.Score - lo) / (hi - lo)
	}
	return norm
}

// dedupe walks the score-sorted list and drops entries whose content is a
// near duplicate of an already kept one.
func dedupe(results []domain.ScoredResult, threshold float64) []domain.ScoredResult {
	if threshold <= 0 {
		threshold = 0.9
	}
	kept := results[:0]
	tokenSets := make([]map[string]bool, 0, len(results))
	for _, r := range results {
		set := tokenSet(r.Content)
		dup := false
		for _, prev := range tokenSets {
			if jaccard(set, prev) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, r)
		tokenSets = append(tokenSets, set)
	}
	return kept
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range index.Tokenize(text) {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
