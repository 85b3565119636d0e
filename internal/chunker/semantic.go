package chunker

import (
	"context"
	"fmt"
	"math"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

// semanticBreakThreshold: adjacent sentences whose embedding similarity to
// the running group centroid drops below this start a new group.
const semanticBreakThreshold = 0.72

// groupSemantically embeds every sentence and rewrites the paragraph-break
// flags so that group boundaries fall where the topic shifts. Size limits
// are applied by the caller exactly as in the sentence strategy.
func (c *Chunker) groupSemantically(ctx context.Context, infos []sentenceInfo) ([]sentenceInfo, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("semantic strategy requires an embedder")
	}
	if len(infos) < 2 {
		return infos, nil
	}

	texts := make([]string, len(infos))
	for i, s := range infos {
		texts[i] = s.Text
	}

	var res domain.BatchEmbeddingResult
	var err error
	if be, ok := c.embedder.(domain.BatchEmbedder); ok {
		res, err = be.BatchEmbed(ctx, texts)
	} else {
		res, err = domain.BatchFallback(ctx, c.embedder, texts)
	}
	if err != nil {
		return nil, fmt.Errorf("embed sentences: %w", err)
	}
	if len(res.Embeddings) != len(infos) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d sentences", len(res.Embeddings), len(infos))
	}

	grouped := make([]sentenceInfo, len(infos))
	copy(grouped, infos)

	centroid := newCentroid(res.Embeddings[0])
	grouped[0].newParagraph = true

	for i := 1; i < len(grouped); i++ {
		sim := cosineSimilarity(centroid.mean(), res.Embeddings[i])
		if sim < semanticBreakThreshold {
			grouped[i].newParagraph = true
			centroid = newCentroid(res.Embeddings[i])
			continue
		}
		grouped[i].newParagraph = false
		centroid.add(res.Embeddings[i])
	}

	return grouped, nil
}

// centroid keeps a running mean of group member embeddings.
type centroid struct {
	sum []float64
	n   int
}

func newCentroid(v []float32) *centroid {
	c := &centroid{sum: make([]float64, len(v))}
	c.add(v)
	return c
}

func (c *centroid) add(v []float32) {
	for i := range v {
		if i < len(c.sum) {
			c.sum[i] += float64(v[i])
		}
	}
	c.n++
}

func (c *centroid) mean() []float32 {
	out := make([]float32, len(c.sum))
	for i, s := range c.sum {
		out[i] = float32(s / float64(c.n))
	}
	return out
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// 0 when either has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
