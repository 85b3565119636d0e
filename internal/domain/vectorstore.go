package domain

import "context"

// VectorFilter scopes a vector query to a tenant. UserID is mandatory;
// TopicID and DocumentIDs narrow the scope further.
type VectorFilter struct {
	UserID      string
	TopicID     string
	DocumentIDs []string
}

// VectorMatch is a single vector store hit.
type VectorMatch struct {
	DocumentID string
	ChunkIndex int
	Content    string
	Score      float64
	Metadata   map[string]string
}

// VectorStore is the external vector database contract.
type VectorStore interface {
	// Upsert stores one vector per chunk. len(vectors) must equal len(chunks).
	Upsert(ctx context.Context, chunks []Chunk, vectors [][]float32) error
	// Query returns the topK nearest chunks matching the filter.
	Query(ctx context.Context, vector []float32, filter VectorFilter, topK int) ([]VectorMatch, error)
	// DeleteByDocument removes all vectors derived from a document.
	DeleteByDocument(ctx context.Context, documentID string) error
}
