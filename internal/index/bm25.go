// Package index provides an in-memory inverted index with BM25 scoring.
// The index is rebuilt from persisted chunks as needed; it is not the
// system of record.
package index

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

// Standard literature defaults (Robertson et al.); k1 controls term
// frequency saturation, b the document-length normalization strength.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// IndexedDocument is a chunk projected into the lexical index.
type IndexedDocument struct {
	ID         string
	DocumentID string
	UserID     string
	TopicID    string
	ChunkIndex int
	Content    string
}

// SearchOptions filter and bound a lexical search. UserID is mandatory:
// filters are applied before scoring, isolating tenants.
type SearchOptions struct {
	UserID      string
	TopicID     string
	DocumentIDs []string
	TopK        int
	MinScore    float64
}

// Hit is a scored index entry.
type Hit struct {
	Document IndexedDocument
	Score    float64
}

type entry struct {
	doc    IndexedDocument
	terms  map[string]int // term -> frequency within the document
	length int            // total term count
}

// BM25 is an inverted index over chunk text. Writes take the exclusive
// lock; searches share the read lock.
type BM25 struct {
	mu          sync.RWMutex
	k1          float64
	b           float64
	entries     map[string]*entry         // entry key -> entry
	postings    map[string]map[string]int // term -> entry key -> tf
	byDocument  map[string][]string       // documentID -> entry keys
	totalLength int
}

// NewBM25 creates an index. Non-positive parameters select the defaults.
func NewBM25(k1, b float64) *BM25 {
	if k1 <= 0 {
		k1 = DefaultK1
	}
	if b <= 0 {
		b = DefaultB
	}
	return &BM25{
		k1:         k1,
		b:          b,
		entries:    make(map[string]*entry),
		postings:   make(map[string]map[string]int),
		byDocument: make(map[string][]string),
	}
}

// Add indexes one chunk projection. Empty content and missing ownership are
// validation errors; chunks that tokenize to nothing are never indexed.
func (ix *BM25) Add(doc IndexedDocument) error {
	if doc.ID == "" || doc.DocumentID == "" || doc.UserID == "" {
		return fmt.Errorf("%w: indexed document needs id, document id and user id", domain.ErrValidation)
	}
	terms := Tokenize(doc.Content)
	if len(terms) == 0 {
		return fmt.Errorf("%w: empty content is never indexed", domain.ErrValidation)
	}

	freq := make(map[string]int, len(terms))
	for _, t := range terms {
		freq[t]++
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.entries[doc.ID]; ok {
		ix.removeEntryLocked(doc.ID, old)
	}

	e := &entry{doc: doc, terms: freq, length: len(terms)}
	ix.entries[doc.ID] = e
	ix.byDocument[doc.DocumentID] = append(ix.byDocument[doc.DocumentID], doc.ID)
	ix.totalLength += e.length
	for t, tf := range freq {
		posting := ix.postings[t]
		if posting == nil {
			posting = make(map[string]int)
			ix.postings[t] = posting
		}
		posting[doc.ID] = tf
	}
	return nil
}

// Remove drops every chunk of the given document. Removing an unknown
// document is a no-op.
func (ix *BM25) Remove(documentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, key := range ix.byDocument[documentID] {
		if e, ok := ix.entries[key]; ok {
			ix.removeEntryLocked(key, e)
		}
	}
	delete(ix.byDocument, documentID)
}

func (ix *BM25) removeEntryLocked(key string, e *entry) {
	for t := range e.terms {
		if posting := ix.postings[t]; posting != nil {
			delete(posting, key)
			if len(posting) == 0 {
				delete(ix.postings, t)
			}
		}
	}
	ix.totalLength -= e.length
	delete(ix.entries, key)
}

// Rebuild replaces the whole index content in one exclusive section.
// The self-healing path uses it when an inconsistency is detected.
func (ix *BM25) Rebuild(docs []IndexedDocument) error {
	fresh := NewBM25(ix.k1, ix.b)
	for _, d := range docs {
		if err := fresh.Add(d); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = fresh.entries
	ix.postings = fresh.postings
	ix.byDocument = fresh.byDocument
	ix.totalLength = fresh.totalLength
	return nil
}

// Len returns the number of indexed chunks.
func (ix *BM25) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search scores the query against entries passing the filters. An empty
// query returns an empty list, not an error.
func (ix *BM25) Search(query string, opts SearchOptions) ([]Hit, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return []Hit{}, nil
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	var allowedDocs map[string]bool
	if len(opts.DocumentIDs) > 0 {
		allowedDocs = make(map[string]bool, len(opts.DocumentIDs))
		for _, id := range opts.DocumentIDs {
			allowedDocs[id] = true
		}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.entries)
	if n == 0 {
		return []Hit{}, nil
	}
	avgLength := float64(ix.totalLength) / float64(n)

	scores := make(map[string]float64)
	for _, t := range terms {
		posting := ix.postings[t]
		if len(posting) == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(posting))+0.5)/(float64(len(posting))+0.5))
		for key, tf := range posting {
			e := ix.entries[key]
			if !matchesFilter(e.doc, opts, allowedDocs) {
				continue
			}
			norm := ix.k1 * (1 - ix.b + ix.b*float64(e.length)/avgLength)
			scores[key] += idf * float64(tf) * (ix.k1 + 1) / (float64(tf) + norm)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for key, score := range scores {
		if score < opts.MinScore {
			continue
		}
		hits = append(hits, Hit{Document: ix.entries[key].doc, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		// Stable ordering for equal scores.
		return hits[i].Document.ID < hits[j].Document.ID
	})

	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	return hits, nil
}

func matchesFilter(doc IndexedDocument, opts SearchOptions, allowedDocs map[string]bool) bool {
	if doc.UserID != opts.UserID {
		return false
	}
	if opts.TopicID != "" && doc.TopicID != opts.TopicID {
		return false
	}
	if allowedDocs != nil && !allowedDocs[doc.DocumentID] {
		return false
	}
	return true
}

// Tokenize lowercases and splits on non-alphanumeric boundaries. Stop-words
// stay in: BM25's IDF already discounts ubiquitous terms.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
