package embcache

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/db"
	"github.com/lodestone-ai/lodestone/internal/domain"
)

type stubEmbedder struct {
	result      domain.EmbeddingResult
	err         error
	batchResult domain.BatchEmbeddingResult
	batchErr    error
	batchCalls  int
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) (domain.EmbeddingResult, error) {
	return s.result, s.err
}

func (s *stubEmbedder) BatchEmbed(_ context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	s.batchCalls++
	if s.batchErr != nil {
		return domain.BatchEmbeddingResult{}, s.batchErr
	}
	if s.batchResult.Embeddings != nil {
		return s.batchResult, nil
	}
	embeddings := make([][]float32, len(texts))
	for i := range texts {
		embeddings[i] = s.result.Embedding
	}
	return domain.BatchEmbeddingResult{
		Embeddings:   embeddings,
		PromptTokens: s.result.PromptTokens * len(texts),
		TotalTokens:  s.result.TotalTokens * len(texts),
	}, nil
}

// fakeStore is an in-memory KV store with error injection.
type fakeStore struct {
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
	setOps int
	ttlOps int
	getOps int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.getOps++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return nil, db.ErrKeyNotFound
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte) error {
	f.setOps++
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.ttlOps++
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

// seed stores a vector under the cache key for text.
func (f *fakeStore) seed(c *CachedEmbedder, text string, vec []float32) {
	f.data[c.cacheKey(text)] = vectorToCacheBytes(vec)
}

func newTestCachedEmbedder(t *testing.T, inner *stubEmbedder) (*CachedEmbedder, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	ce := New(inner, fs, 0, nil, zap.NewNop())
	return ce, fs
}
