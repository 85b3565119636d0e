package domain

import "strconv"

// Source tags which retrieval branch produced a result.
type Source string

const (
	// SourceLexical marks a result found only by the BM25 index.
	SourceLexical Source = "lexical"
	// SourceVector marks a result found only by the vector store.
	SourceVector Source = "vector"
	// SourceBoth marks a result found by both branches and score-fused.
	SourceBoth Source = "both"
	// SourceWeb marks a result coming from live web search.
	SourceWeb Source = "web"
)

// Well-known metadata keys on a ScoredResult.
const (
	MetaTitle       = "title"
	MetaURL         = "url"
	MetaPublishedAt = "published_at" // RFC 3339
)

// ScoredResult is the common currency between retrieval stages.
// The score semantics change per stage (raw BM25/cosine, fused,
// diversity-adjusted, reranked) but the shape stays stable so stages
// compose as transformations of an ordered list.
type ScoredResult struct {
	DocumentID string
	ChunkIndex int
	Content    string
	Score      float64
	Source     Source
	Metadata   map[string]string
}

// Key identifies the underlying chunk across retrieval branches.
func (r ScoredResult) Key() string {
	return r.DocumentID + ":" + strconv.Itoa(r.ChunkIndex)
}

// RerankedResult extends a ScoredResult with per-factor rerank scores.
type RerankedResult struct {
	ScoredResult

	RelevanceScore float64
	AuthorityScore float64
	FreshnessScore float64
	OriginalScore  float64
	RerankedScore  float64
	// RankChange is the position delta versus the input order
	// (positive = moved up).
	RankChange int
}
