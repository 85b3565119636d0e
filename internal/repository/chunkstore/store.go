package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/lodestone-ai/lodestone/internal/db"
	"github.com/lodestone-ai/lodestone/internal/domain"
)

const (
	chunkKeyPrefix = domain.KeyPrefix + "chunk:"
	indexKeyPrefix = domain.KeyPrefix + "chunkset:"
)

// store is the consumer interface for chunk persistence (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Store persists chunks as JSON values plus a per-document set of
// chunk indexes so a whole document can be listed and deleted.
type Store struct {
	store store
}

var _ domain.ChunkStore = (*Store)(nil)

func New(s store) *Store {
	return &Store{store: s}
}

func chunkKey(documentID string, chunkIndex int) string {
	return chunkKeyPrefix + documentID + ":" + strconv.Itoa(chunkIndex)
}

func indexKey(documentID string) string {
	return indexKeyPrefix + documentID
}

// PutChunks writes every chunk and records its index in the document set.
func (s *Store) PutChunks(ctx context.Context, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("chunk %s:%d: %w", c.DocumentID, c.ChunkIndex, err)
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("chunk marshal %s:%d: %w", c.DocumentID, c.ChunkIndex, err)
		}

		key := chunkKey(c.DocumentID, c.ChunkIndex)
		if err := s.store.Set(ctx, key, data); err != nil {
			return fmt.Errorf("chunk SET %s: %w", key, err)
		}

		if err := s.store.SAdd(ctx, indexKey(c.DocumentID), strconv.Itoa(c.ChunkIndex)); err != nil {
			return fmt.Errorf("chunk SADD %s: %w", indexKey(c.DocumentID), err)
		}
	}
	return nil
}

// GetChunk loads one chunk. Returns domain.ErrNotFound for a missing key.
func (s *Store) GetChunk(ctx context.Context, documentID string, chunkIndex int) (domain.Chunk, error) {
	key := chunkKey(documentID, chunkIndex)
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domain.Chunk{}, fmt.Errorf("chunk %s:%d: %w", documentID, chunkIndex, domain.ErrNotFound)
		}
		return domain.Chunk{}, fmt.Errorf("chunk GET %s: %w", key, err)
	}

	var c domain.Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Chunk{}, fmt.Errorf("chunk unmarshal %s: %w", key, err)
	}
	return c, nil
}

// ListByDocument returns all chunks of a document ordered by chunk index.
// Indexes present in the set but missing as keys are skipped.
func (s *Store) ListByDocument(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	members, err := s.store.SMembers(ctx, indexKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("chunk SMEMBERS %s: %w", indexKey(documentID), err)
	}

	indexes := make([]int, 0, len(members))
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("chunk set %s: bad member %q: %w", indexKey(documentID), m, err)
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	chunks := make([]domain.Chunk, 0, len(indexes))
	for _, idx := range indexes {
		c, err := s.GetChunk(ctx, documentID, idx)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// DeleteByDocument removes every chunk of a document and its index set.
// Returns how many chunk entries were deleted.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	members, err := s.store.SMembers(ctx, indexKey(documentID))
	if err != nil {
		return 0, fmt.Errorf("chunk SMEMBERS %s: %w", indexKey(documentID), err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			return 0, fmt.Errorf("chunk set %s: bad member %q: %w", indexKey(documentID), m, err)
		}
		keys = append(keys, chunkKey(documentID, idx))
	}
	keys = append(keys, indexKey(documentID))

	if err := s.store.Del(ctx, keys...); err != nil {
		return 0, fmt.Errorf("chunk DEL %s: %w", documentID, err)
	}
	return len(members), nil
}
