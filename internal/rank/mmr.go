package rank

import "github.com/lodestone-ai/lodestone/internal/domain"

// MMROptions tune the diversity filter. Lambda near 1 favors raw relevance,
// near 0 favors novelty against what is already selected.
type MMROptions struct {
	Lambda     float64
	MaxResults int
}

// SelectDiverse applies Maximal Marginal Relevance over the candidates.
// Similarity is token-overlap over content, not the full embedding; it only
// has to tell near-duplicates from fresh material. The first pick is always
// the highest-relevance candidate.
func SelectDiverse(results []domain.ScoredResult, opts MMROptions) []domain.ScoredResult {
	if len(results) <= 1 {
		return results
	}
	lambda := opts.Lambda
	if lambda <= 0 || lambda > 1 {
		lambda = 0.7
	}
	limit := opts.MaxResults
	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}

	tokenSets := make([]map[string]bool, len(results))
	for i, r := range results {
		tokenSets[i] = tokenSet(r.Content)
	}

	selected := make([]int, 0, limit)
	remaining := make([]int, len(results))
	for i := range results {
		remaining[i] = i
	}

	for len(selected) < limit && len(remaining) > 0 {
		bestPos, bestScore := -1, 0.0
		for pos, cand := range remaining {
			score := lambda * results[cand].Score
			if len(selected) > 0 {
				maxSim := 0.0
				for _, sel := range selected {
					if sim := jaccard(tokenSets[cand], tokenSets[sel]); sim > maxSim {
						maxSim = sim
					}
				}
				score -= (1 - lambda) * maxSim
			}
			if bestPos == -1 || score > bestScore {
				bestPos, bestScore = pos, score
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	out := make([]domain.ScoredResult, len(selected))
	for i, idx := range selected {
		out[i] = results[idx]
	}
	return out
}

// DiversityScore is the mean pairwise dissimilarity of the selection. A
// single result is perfectly diverse.
func DiversityScore(results []domain.ScoredResult) float64 {
	if len(results) <= 1 {
		return 1
	}
	tokenSets := make([]map[string]bool, len(results))
	for i, r := range results {
		tokenSets[i] = tokenSet(r.Content)
	}
	var total float64
	pairs := 0
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			total += 1 - jaccard(tokenSets[i], tokenSets[j])
			pairs++
		}
	}
	return total / float64(pairs)
}
