package rank

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// QueryType is the lexical classification of a query, used to pick a
// type-specific score threshold.
type QueryType string

const (
	QueryFactual     QueryType = "factual"
	QueryConceptual  QueryType = "conceptual"
	QueryProcedural  QueryType = "procedural"
	QueryExploratory QueryType = "exploratory"
	QueryComparative QueryType = "comparative"
	QueryUnknown     QueryType = "unknown"
)

// ThresholdOptions tune adaptive threshold selection. Zero values select
// the defaults.
type ThresholdOptions struct {
	// Enabled turns adaptation on; disabled means the fixed Default.
	Enabled bool
	Default float64

	MinThreshold float64
	MaxThreshold float64

	// MinResults and MaxResults are the acceptable result-count band.
	MinResults int
	MaxResults int

	// Percentile of the prior score distribution used as threshold.
	Percentile float64
}

func (o ThresholdOptions) withDefaults() ThresholdOptions {
	if o.Default <= 0 {
		o.Default = 0.5
	}
	if o.MinThreshold <= 0 {
		o.MinThreshold = 0.1
	}
	if o.MaxThreshold <= 0 {
		o.MaxThreshold = 0.9
	}
	if o.MinResults <= 0 {
		o.MinResults = 3
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 10
	}
	if o.Percentile <= 0 || o.Percentile >= 1 {
		o.Percentile = 0.25
	}
	return o
}

// ThresholdDecision carries the chosen threshold and how it was reached.
type ThresholdDecision struct {
	Threshold float64   `json:"threshold"`
	Strategy  string    `json:"strategy"`
	QueryType QueryType `json:"query_type"`
	Reasoning string    `json:"reasoning"`
}

// Per-type thresholds. Factual queries want few, precise hits; exploratory
// ones tolerate a wider net.
var typeThresholds = map[QueryType]float64{
	QueryFactual:     0.70,
	QueryConceptual:  0.55,
	QueryProcedural:  0.60,
	QueryExploratory: 0.45,
	QueryComparative: 0.55,
	QueryUnknown:     0.50,
}

// CalculateThreshold picks a score cutoff for the given query. Precedence:
// disabled config, query-type heuristic, prior score distribution, then a
// band adjustment when the prior scores say the cutoff would return too
// many or too few results.
func CalculateThreshold(query string, priorScores []float64, opts ThresholdOptions) ThresholdDecision {
	opts = opts.withDefaults()
	qt := ClassifyQuery(query)

	if !opts.Enabled {
		return ThresholdDecision{
			Threshold: opts.Default,
			Strategy:  "fixed",
			QueryType: qt,
			Reasoning: "adaptive thresholding disabled",
		}
	}

	decision := ThresholdDecision{
		Threshold: typeThresholds[qt],
		Strategy:  "query_type",
		QueryType: qt,
		Reasoning: fmt.Sprintf("query classified as %s", qt),
	}

	if len(priorScores) > 0 {
		decision.Threshold = percentile(priorScores, opts.Percentile)
		decision.Strategy = "distribution"
		decision.Reasoning = fmt.Sprintf(
			"p%.0f of %d prior scores", opts.Percentile*100, len(priorScores))
	}

	decision.Threshold = clamp(decision.Threshold, opts.MinThreshold, opts.MaxThreshold)

	if len(priorScores) > 0 {
		count := countAbove(priorScores, decision.Threshold)
		switch {
		case count > opts.MaxResults:
			// Raise toward the score that admits exactly MaxResults.
			decision.Threshold = clamp(kthScore(priorScores, opts.MaxResults), opts.MinThreshold, opts.MaxThreshold)
			decision.Strategy = "fallback_adjustment"
			decision.Reasoning = fmt.Sprintf("raised: %d results exceeded band max %d", count, opts.MaxResults)
		case count < opts.MinResults && len(priorScores) >= opts.MinResults:
			decision.Threshold = clamp(kthScore(priorScores, opts.MinResults), opts.MinThreshold, opts.MaxThreshold)
			decision.Strategy = "fallback_adjustment"
			decision.Reasoning = fmt.Sprintf("lowered: %d results under band min %d", count, opts.MinResults)
		}
	}
	return decision
}

// SearchCount re-runs a search with a candidate threshold and reports how
// many results it admits.
type SearchCount func(ctx context.Context, threshold float64) (int, error)

// OptimizeThreshold iteratively adjusts the threshold until the result
// count lands inside the configured band or iterations run out. The last
// decision is returned even when the band was never reached.
func OptimizeThreshold(ctx context.Context, query string, search SearchCount, opts ThresholdOptions, maxIterations int) (ThresholdDecision, error) {
	opts = opts.withDefaults()
	if maxIterations <= 0 {
		maxIterations = 3
	}

	decision := CalculateThreshold(query, nil, opts)
	step := (opts.MaxThreshold - opts.MinThreshold) / 4

	for i := 0; i < maxIterations; i++ {
		count, err := search(ctx, decision.Threshold)
		if err != nil {
			return decision, err
		}
		switch {
		case count > opts.MaxResults:
			decision.Threshold = clamp(decision.Threshold+step, opts.MinThreshold, opts.MaxThreshold)
			decision.Strategy = "iterative"
			decision.Reasoning = fmt.Sprintf("iteration %d: %d results over band", i+1, count)
		case count < opts.MinResults:
			decision.Threshold = clamp(decision.Threshold-step, opts.MinThreshold, opts.MaxThreshold)
			decision.Strategy = "iterative"
			decision.Reasoning = fmt.Sprintf("iteration %d: %d results under band", i+1, count)
		default:
			return decision, nil
		}
		step /= 2
	}
	return decision, nil
}

// ClassifyQuery buckets a query by interrogative shape. Comparative and
// procedural markers are checked before the generic factual ones so
// "what is the difference between" lands on comparative, not factual.
func ClassifyQuery(query string) QueryType {
	q := " " + strings.ToLower(strings.TrimSpace(query)) + " "
	if strings.TrimSpace(q) == "" {
		return QueryUnknown
	}

	contains := func(markers ...string) bool {
		for _, m := range markers {
			if strings.Contains(q, m) {
				return true
			}
		}
		return false
	}

	switch {
	case contains(" compare ", " versus ", " vs ", " vs. ", "difference between", " better than ", " or rather "):
		return QueryComparative
	case contains("how to ", "how do i ", "how do you ", "how can i ", " steps ", " step by step", " guide ", " tutorial "):
		return QueryProcedural
	case contains(" why ", "explain ", " meaning of ", " concept ", " understand ", " intuition "):
		return QueryConceptual
	case contains("what is ", "what are ", " who ", " when ", " where ", "how many ", "how much ", " which "):
		return QueryFactual
	case contains("tell me about", " overview ", " examples of ", " ideas ", " about ", " related to "):
		return QueryExploratory
	default:
		return QueryUnknown
	}
}

// percentile returns the p-quantile of scores by nearest-rank.
func percentile(scores []float64, p float64) float64 {
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// kthScore returns the score of the k-th best result, i.e. the cutoff that
// admits exactly k results.
func kthScore(scores []float64, k int) float64 {
	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[k-1]
}

func countAbove(scores []float64, threshold float64) int {
	n := 0
	for _, s := range scores {
		if s >= threshold {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
