package ingest

import (
	"context"

	"github.com/lodestone-ai/lodestone/internal/chunker"
	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
)

// Chunker splits raw document text into token-bounded chunks.
type Chunker interface {
	Chunk(ctx context.Context, doc chunker.Document, opts chunker.Options) ([]domain.Chunk, error)
}

// Embedder vectorizes chunk contents in one batch.
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error)
}

// VectorStore persists chunk vectors.
type VectorStore interface {
	Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// ChunkStore persists chunk contents for hydration and deletion.
type ChunkStore interface {
	PutChunks(ctx context.Context, chunks []domain.Chunk) error
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
}

// LexicalIndex is the in-process BM25 index.
type LexicalIndex interface {
	Add(doc index.IndexedDocument) error
	Remove(documentID string)
}

// Breakers guards each external call with a named circuit breaker.
type Breakers interface {
	Execute(ctx context.Context, name string, fn func(context.Context) error) error
}

// Retryer retries transient failures with backoff.
type Retryer interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}
