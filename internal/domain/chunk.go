package domain

// KeyPrefix namespaces every key this service writes to the KV store.
const KeyPrefix = "lodestone:"

// SectionRef locates the document section a chunk was cut from.
type SectionRef struct {
	Title string `json:"title"`
	Level int    `json:"level"`
	Index int    `json:"index"`
}

// Chunk is a token-bounded passage produced from a document at ingestion.
// Immutable once created; owned by the parent document and destroyed with it.
type Chunk struct {
	ID               string      `json:"id"`
	DocumentID       string      `json:"document_id"`
	UserID           string      `json:"user_id"`
	TopicID          string      `json:"topic_id,omitempty"`
	ChunkIndex       int         `json:"chunk_index"`
	Content          string      `json:"content"`
	StartChar        int         `json:"start_char"`
	EndChar          int         `json:"end_char"`
	TokenCount       int         `json:"token_count"`
	ParagraphIndices []int       `json:"paragraph_indices,omitempty"`
	Section          *SectionRef `json:"section,omitempty"`
}

// Validate checks the chunk invariants before it is indexed or persisted.
func (c Chunk) Validate() error {
	switch {
	case c.DocumentID == "":
		return ErrValidation
	case c.UserID == "":
		return ErrValidation
	case c.ChunkIndex < 0:
		return ErrValidation
	case c.StartChar >= c.EndChar:
		return ErrValidation
	case c.TokenCount <= 0:
		return ErrValidation
	}
	return nil
}
