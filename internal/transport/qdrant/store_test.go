package qdrant

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{
		Host:       "localhost",
		Port:       6334,
		Collection: "test_chunks",
		Dimensions: 4,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPointID_Deterministic(t *testing.T) {
	a := pointID("doc-1", 0)
	b := pointID("doc-1", 0)
	if a != b {
		t.Errorf("same inputs must yield the same point id: %s vs %s", a, b)
	}
	if pointID("doc-1", 1) == a {
		t.Error("different chunk index must yield a different point id")
	}
	if pointID("doc-2", 0) == a {
		t.Error("different document must yield a different point id")
	}
}

func TestUpsert_LengthMismatch(t *testing.T) {
	s := newTestStore(t)

	chunks := []domain.Chunk{{DocumentID: "doc-1", UserID: "u", ChunkIndex: 0}}
	err := s.Upsert(context.Background(), chunks, [][]float32{{0.1, 0.2, 0.3, 0.4}, {0.5, 0.6, 0.7, 0.8}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestUpsert_DimensionMismatch(t *testing.T) {
	s := newTestStore(t)

	chunks := []domain.Chunk{{DocumentID: "doc-1", UserID: "u", ChunkIndex: 0}}
	err := s.Upsert(context.Background(), chunks, [][]float32{{0.1, 0.2}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for wrong dimensions, got %v", err)
	}
}

func TestUpsert_EmptyIsNoop(t *testing.T) {
	s := newTestStore(t)

	if err := s.Upsert(context.Background(), nil, nil); err != nil {
		t.Fatalf("empty upsert must be a no-op, got %v", err)
	}
}

func TestQuery_RequiresUserID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Query(context.Background(), []float32{0.1, 0.2, 0.3, 0.4}, domain.VectorFilter{}, 10)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation without user id, got %v", err)
	}
}

func TestQuery_RejectsWrongDimensions(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Query(context.Background(), []float32{0.1}, domain.VectorFilter{UserID: "u"}, 10)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for wrong dimensions, got %v", err)
	}
}

func TestDeleteByDocument_RequiresID(t *testing.T) {
	s := newTestStore(t)

	err := s.DeleteByDocument(context.Background(), "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty document id, got %v", err)
	}
}
