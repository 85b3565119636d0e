package domain

import "context"

// ChunkStore persists chunks keyed by (documentID, chunkIndex).
// The lexical index hydrates hits from it; the ingest pipeline writes to it.
type ChunkStore interface {
	PutChunks(ctx context.Context, chunks []Chunk) error
	GetChunk(ctx context.Context, documentID string, chunkIndex int) (Chunk, error)
	ListByDocument(ctx context.Context, documentID string) ([]Chunk, error)
	// DeleteByDocument removes all chunks of a document, returning how many
	// were deleted.
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
}
