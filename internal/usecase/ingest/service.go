package ingest

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/chunker"
	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
	"github.com/lodestone-ai/lodestone/internal/metrics"
)

// Breaker names for the external dependencies this pipeline touches.
const (
	BreakerEmbedding   = "embedding"
	BreakerVectorStore = "vector_store"
)

// Request describes one document to ingest.
type Request struct {
	DocumentID   string
	UserID       string
	TopicID      string
	Text         string
	DocumentType chunker.DocumentType
	// Options overrides the per-type chunking profile when set.
	Options *chunker.Options
}

// Result reports what the pipeline produced.
type Result struct {
	Chunks      []domain.Chunk
	TokensUsed  int
	ChunksCount int
}

// Service runs the ingestion pipeline: chunk, embed, persist, index.
// Re-ingesting a document replaces its previous chunks everywhere.
type Service struct {
	chunker  Chunker
	embedder Embedder
	vectors  VectorStore
	chunks   ChunkStore
	lexical  LexicalIndex
	breakers Breakers
	retryer  Retryer
	logger   *zap.Logger

	// chunkDefaults replaces the per-type profiles when set.
	chunkDefaults *chunker.Options
}

// New creates an ingestion service.
func New(
	ch Chunker, emb Embedder, vs VectorStore, cs ChunkStore, lex LexicalIndex,
	breakers Breakers, retryer Retryer, logger *zap.Logger,
) *Service {
	return &Service{
		chunker:  ch,
		embedder: emb,
		vectors:  vs,
		chunks:   cs,
		lexical:  lex,
		breakers: breakers,
		retryer:  retryer,
		logger:   logger,
	}
}

// WithChunkingDefaults replaces the built-in per-type chunking profiles
// with opts. Per-request options still take precedence.
func (s *Service) WithChunkingDefaults(opts chunker.Options) *Service {
	s.chunkDefaults = &opts
	return s
}

// IngestDocument chunks the document, embeds every chunk in one batch,
// upserts the vectors, persists the chunks, and adds them to the lexical
// index. Persistence happens before indexing so a lexical hit can always
// be hydrated.
func (s *Service) IngestDocument(ctx context.Context, req Request) (Result, error) {
	switch {
	case req.DocumentID == "":
		return Result{}, fmt.Errorf("%w: document id is required", domain.ErrValidation)
	case req.UserID == "":
		return Result{}, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	case strings.TrimSpace(req.Text) == "":
		return Result{}, fmt.Errorf("%w: document text is empty", domain.ErrValidation)
	}

	opts := chunker.ProfileFor(req.DocumentType)
	if s.chunkDefaults != nil {
		opts = *s.chunkDefaults
	}
	if req.Options != nil {
		opts = *req.Options
	}

	chunks, err := s.chunker.Chunk(ctx, chunker.Document{
		ID:      req.DocumentID,
		UserID:  req.UserID,
		TopicID: req.TopicID,
		Text:    req.Text,
	}, opts)
	if err != nil {
		return Result{}, fmt.Errorf("chunk document %s: %w", req.DocumentID, err)
	}
	if len(chunks) == 0 {
		return Result{}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	// Retry wraps the breaker so every attempt is counted individually and
	// an open circuit aborts the remaining attempts.
	var batch domain.BatchEmbeddingResult
	err = s.retryer.Execute(ctx, func(ctx context.Context) error {
		return s.breakers.Execute(ctx, BreakerEmbedding, func(ctx context.Context) error {
			var embErr error
			batch, embErr = s.embedder.BatchEmbed(ctx, texts)
			return embErr
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("embed chunks of %s: %w", req.DocumentID, err)
	}
	if len(batch.Embeddings) != len(chunks) {
		return Result{}, domain.NewDependencyError("embedding", 0,
			fmt.Errorf("expected %d embeddings, got %d", len(chunks), len(batch.Embeddings)))
	}

	// Clear the previous version before writing the new one. Upserts only
	// overwrite overlapping chunk indexes, so a document that shrank would
	// otherwise keep its trailing chunks. Runs after embedding so a provider
	// failure leaves the old version intact.
	err = s.retryer.Execute(ctx, func(ctx context.Context) error {
		return s.breakers.Execute(ctx, BreakerVectorStore, func(ctx context.Context) error {
			return s.vectors.DeleteByDocument(ctx, req.DocumentID)
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("delete stale vectors of %s: %w", req.DocumentID, err)
	}
	if _, err := s.chunks.DeleteByDocument(ctx, req.DocumentID); err != nil {
		return Result{}, fmt.Errorf("delete stale chunks of %s: %w", req.DocumentID, err)
	}

	err = s.retryer.Execute(ctx, func(ctx context.Context) error {
		return s.breakers.Execute(ctx, BreakerVectorStore, func(ctx context.Context) error {
			return s.vectors.Upsert(ctx, chunks, batch.Embeddings)
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert vectors of %s: %w", req.DocumentID, err)
	}

	if err := s.chunks.PutChunks(ctx, chunks); err != nil {
		return Result{}, fmt.Errorf("persist chunks of %s: %w", req.DocumentID, err)
	}

	// Replace any previous lexical postings before adding the new ones.
	s.lexical.Remove(req.DocumentID)
	for _, c := range chunks {
		if err := s.lexical.Add(index.IndexedDocument{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			UserID:     c.UserID,
			TopicID:    c.TopicID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
		}); err != nil {
			return Result{}, fmt.Errorf("index chunk %s:%d: %w", c.DocumentID, c.ChunkIndex, err)
		}
	}

	docType := req.DocumentType
	if docType == "" {
		docType = chunker.DocTypeProse
	}
	metrics.IngestChunksTotal.WithLabelValues(string(docType)).Add(float64(len(chunks)))

	s.logger.Info("Document ingested",
		zap.String("document_id", req.DocumentID),
		zap.String("user_id", req.UserID),
		zap.Int("chunks", len(chunks)),
		zap.Int("tokens_used", batch.TotalTokens),
	)

	return Result{
		Chunks:      chunks,
		TokensUsed:  batch.TotalTokens,
		ChunksCount: len(chunks),
	}, nil
}

// DeleteDocument removes a document's chunks from the vector store, the
// chunk store, and the lexical index. Returns how many chunks were removed
// from the chunk store.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id is required", domain.ErrValidation)
	}

	err := s.retryer.Execute(ctx, func(ctx context.Context) error {
		return s.breakers.Execute(ctx, BreakerVectorStore, func(ctx context.Context) error {
			return s.vectors.DeleteByDocument(ctx, documentID)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("delete vectors of %s: %w", documentID, err)
	}

	deleted, err := s.chunks.DeleteByDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}

	s.lexical.Remove(documentID)

	s.logger.Info("Document deleted",
		zap.String("document_id", documentID),
		zap.Int("chunks_deleted", deleted),
	)
	return deleted, nil
}
