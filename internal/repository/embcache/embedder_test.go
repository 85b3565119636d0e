package embcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

func TestEmbed_CacheMiss(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{
		Embedding:    []float32{0.1, 0.2, 0.3},
		PromptTokens: 10,
		TotalTokens:  10,
	}}
	ce, fs := newTestCachedEmbedder(t, inner)

	result, err := ce.Embed(context.Background(), "test text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Embedding) != 3 || result.Embedding[0] != 0.1 {
		t.Fatalf("unexpected vector: %v", result.Embedding)
	}
	if result.TotalTokens != 10 {
		t.Fatalf("expected TotalTokens=10, got %d", result.TotalTokens)
	}
	if fs.setOps != 1 {
		t.Fatalf("expected 1 cache put, got %d", fs.setOps)
	}
}

func TestEmbed_CacheHit(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{
		Embedding: []float32{0.1, 0.2, 0.3},
	}}
	ce, fs := newTestCachedEmbedder(t, inner)
	fs.seed(ce, "test text", []float32{0.4, 0.5, 0.6})

	result, err := ce.Embed(context.Background(), "test text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Embedding) != 3 || result.Embedding[0] != 0.4 {
		t.Fatalf("expected cached vector, got: %v", result.Embedding)
	}
	// A hit consumes no provider tokens.
	if result.TotalTokens != 0 {
		t.Fatalf("expected TotalTokens=0 on cache hit, got %d", result.TotalTokens)
	}
}

func TestEmbed_CorruptEntryFallsThrough(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{
		Embedding:   []float32{0.7},
		TotalTokens: 2,
	}}
	ce, fs := newTestCachedEmbedder(t, inner)

	// Truncated entry: not a multiple of 4 bytes.
	fs.data[ce.cacheKey("test text")] = []byte{1, 2, 3}

	result, err := ce.Embed(context.Background(), "test text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Embedding[0] != 0.7 {
		t.Errorf("expected inner result after corrupt cache entry, got %v", result.Embedding)
	}
}

func TestEmbed_StoreGetErrorFallsThrough(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{Embedding: []float32{0.2}}}
	ce, fs := newTestCachedEmbedder(t, inner)
	fs.getErr = errors.New("connection reset")

	result, err := ce.Embed(context.Background(), "test text")
	if err != nil {
		t.Fatalf("cache errors must not fail the request: %v", err)
	}
	if result.Embedding[0] != 0.2 {
		t.Errorf("expected inner result, got %v", result.Embedding)
	}
}

func TestEmbed_InnerError(t *testing.T) {
	inner := &stubEmbedder{err: errors.New("provider down")}
	ce, _ := newTestCachedEmbedder(t, inner)

	if _, err := ce.Embed(context.Background(), "test text"); err == nil {
		t.Fatal("expected error from inner embedder")
	}
}

func TestEmbed_TTLUsesSetWithTTL(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{Embedding: []float32{0.1}}}
	fs := newFakeStore()
	ce := New(inner, fs, time.Hour, nil, zap.NewNop())

	if _, err := ce.Embed(context.Background(), "test text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.setOps != 0 {
		t.Errorf("plain SET must not be used when a TTL is configured")
	}
	if fs.ttlOps != 1 {
		t.Fatalf("expected 1 SetWithTTL call, got %d", fs.ttlOps)
	}
	if fs.ttls[ce.cacheKey("test text")] != time.Hour {
		t.Errorf("expected TTL=1h, got %v", fs.ttls[ce.cacheKey("test text")])
	}
}

// --- BatchEmbed tests ---

func TestBatchEmbed_AllMisses(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{
		Embedding:    []float32{0.1, 0.2},
		PromptTokens: 5,
		TotalTokens:  5,
	}}
	ce, fs := newTestCachedEmbedder(t, inner)

	res, err := ce.BatchEmbed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Embeddings) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(res.Embeddings))
	}
	if fs.setOps != 2 {
		t.Errorf("expected 2 cache puts, got %d", fs.setOps)
	}
	if inner.batchCalls != 1 {
		t.Errorf("expected 1 batch call to inner, got %d", inner.batchCalls)
	}
	if res.TotalTokens != 10 {
		t.Errorf("expected TotalTokens=10, got %d", res.TotalTokens)
	}
}

func TestBatchEmbed_AllHits(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{Embedding: []float32{0.1}}}
	ce, fs := newTestCachedEmbedder(t, inner)
	fs.seed(ce, "a", []float32{0.9, 0.8})
	fs.seed(ce, "b", []float32{0.7, 0.6})

	res, err := ce.BatchEmbed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Embeddings) != 2 {
		t.Fatalf("expected 2 embeddings, got %d", len(res.Embeddings))
	}
	if res.TotalTokens != 0 {
		t.Errorf("expected TotalTokens=0 on all hits, got %d", res.TotalTokens)
	}
	if inner.batchCalls != 0 {
		t.Errorf("expected 0 inner calls on all hits, got %d", inner.batchCalls)
	}
}

func TestBatchEmbed_MixedHitsMisses(t *testing.T) {
	inner := &stubEmbedder{result: domain.EmbeddingResult{
		Embedding:    []float32{0.5},
		PromptTokens: 3,
		TotalTokens:  3,
	}}
	ce, fs := newTestCachedEmbedder(t, inner)
	fs.seed(ce, "hit1", []float32{0.9})

	res, err := ce.BatchEmbed(context.Background(), []string{"miss1", "hit1", "miss2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Embeddings) != 3 {
		t.Fatalf("expected 3 embeddings, got %d", len(res.Embeddings))
	}
	if res.Embeddings[1][0] != 0.9 {
		t.Errorf("expected cached vec for index 1, got %v", res.Embeddings[1])
	}
	if res.Embeddings[0][0] != 0.5 || res.Embeddings[2][0] != 0.5 {
		t.Errorf("expected inner vec for misses, got %v, %v", res.Embeddings[0], res.Embeddings[2])
	}
	// Only the two misses consume tokens.
	if res.TotalTokens != 6 {
		t.Errorf("expected TotalTokens=6, got %d", res.TotalTokens)
	}
	// Misses end up cached for the next call.
	if _, ok := fs.data[ce.cacheKey("miss1")]; !ok {
		t.Error("expected miss1 to be cached after batch")
	}
}

func TestBatchEmbed_InnerError(t *testing.T) {
	inner := &stubEmbedder{
		result:   domain.EmbeddingResult{Embedding: []float32{0.1}},
		batchErr: errors.New("api down"),
	}
	ce, _ := newTestCachedEmbedder(t, inner)

	if _, err := ce.BatchEmbed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error from inner batch embedder")
	}
}

func TestBatchEmbed_Empty(t *testing.T) {
	ce, _ := newTestCachedEmbedder(t, &stubEmbedder{})

	res, err := ce.BatchEmbed(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Embeddings != nil {
		t.Errorf("expected nil for empty input")
	}
}
