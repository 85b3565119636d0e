package qdrant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

// upsertBatchSize caps how many points go into a single Upsert call.
const upsertBatchSize = 100

// Store implements domain.VectorStore on top of a Qdrant collection.
// One point per chunk; tenant fields live in the point payload.
type Store struct {
	client     *qdrant.Client
	collection string
	dimensions int
	logger     *zap.Logger
}

// Config holds the Qdrant connection settings.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
	Logger     *zap.Logger
}

var _ domain.VectorStore = (*Store)(nil)

// New creates a Qdrant-backed vector store. The connection is lazy;
// call HealthCheck or EnsureCollection to validate it.
func New(cfg *Config) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}

	return &Store{
		client:     client,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		logger:     cfg.Logger,
	}, nil
}

// EnsureCollection creates the collection and payload indexes if missing.
// Idempotent, safe to call on every startup.
func (s *Store) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return domain.NewDependencyError("qdrant", 0, fmt.Errorf("list collections: %w", err))
	}

	for _, name := range collections {
		if name == s.collection {
			return nil
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return domain.NewDependencyError("qdrant", 0, fmt.Errorf("create collection: %w", err))
	}

	// Payload indexes for every filterable field. Filtering without them
	// degrades to a full scan.
	for _, field := range []string{"document_id", "user_id", "topic_id"} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return domain.NewDependencyError("qdrant", 0, fmt.Errorf("index field %s: %w", field, err))
		}
	}

	s.logger.Info("Created vector collection",
		zap.String("collection", s.collection),
		zap.Int("dimensions", s.dimensions),
	)
	return nil
}

// pointID derives a stable UUID per (document, chunk index) so re-ingesting
// a document overwrites its old points instead of duplicating them.
func pointID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", documentID, chunkIndex))).String()
}

// Upsert stores one vector per chunk.
func (s *Store) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("%w: %d chunks but %d vectors", domain.ErrValidation, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	for i, vec := range vectors {
		if s.dimensions > 0 && len(vec) != s.dimensions {
			return fmt.Errorf("%w: vector %d has %d dimensions, expected %d",
				domain.ErrValidation, i, len(vec), s.dimensions)
		}
	}

	for offset := 0; offset < len(chunks); offset += upsertBatchSize {
		end := offset + upsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		points := make([]*qdrant.PointStruct, 0, end-offset)
		for i := offset; i < end; i++ {
			c := chunks[i]
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointID(c.DocumentID, c.ChunkIndex)),
				Vectors: qdrant.NewVectors(vectors[i]...),
				Payload: qdrant.NewValueMap(map[string]any{
					"document_id": c.DocumentID,
					"chunk_index": c.ChunkIndex,
					"user_id":     c.UserID,
					"topic_id":    c.TopicID,
					"content":     c.Content,
				}),
			})
		}

		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points,
		})
		if err != nil {
			return domain.NewDependencyError("qdrant", 0,
				fmt.Errorf("upsert batch %d-%d: %w", offset, end, err))
		}
	}

	return nil
}

// Query returns the topK nearest chunks matching the tenant filter.
func (s *Store) Query(ctx context.Context, vector []float32, filter domain.VectorFilter, topK int) ([]domain.VectorMatch, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if s.dimensions > 0 && len(vector) != s.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			domain.ErrValidation, len(vector), s.dimensions)
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("user_id", filter.UserID),
	}
	if filter.TopicID != "" {
		must = append(must, qdrant.NewMatch("topic_id", filter.TopicID))
	}
	if len(filter.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("document_id", filter.DocumentIDs...))
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, domain.NewDependencyError("qdrant", 0, fmt.Errorf("query: %w", err))
	}

	matches := make([]domain.VectorMatch, 0, len(results))
	for _, res := range results {
		payload := res.Payload
		match := domain.VectorMatch{
			DocumentID: payload["document_id"].GetStringValue(),
			ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
			Content:    payload["content"].GetStringValue(),
			Score:      float64(res.Score),
		}
		if topic := payload["topic_id"].GetStringValue(); topic != "" {
			match.Metadata = map[string]string{"topic_id": topic}
		}
		matches = append(matches, match)
	}

	return matches, nil
}

// DeleteByDocument removes all vectors derived from a document.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: document id is required", domain.ErrValidation)
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
	})
	if err != nil {
		return domain.NewDependencyError("qdrant", 0,
			fmt.Errorf("delete document %s: %w", documentID, err))
	}
	return nil
}

// HealthCheck performs a single health probe against Qdrant.
func (s *Store) HealthCheck(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return domain.NewDependencyError("qdrant", 0, fmt.Errorf("health check: %w", err))
	}
	if result == nil || result.Title == "" {
		return domain.NewDependencyError("qdrant", 0, errors.New("health check returned empty response"))
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
