// Package chunker splits documents into token-bounded, boundary-respecting
// passages for indexing.
package chunker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/textseg"
	"github.com/lodestone-ai/lodestone/internal/token"
)

// Strategy selects the chunking algorithm.
type Strategy string

const (
	// StrategySentence accumulates sentences greedily up to the size limit.
	StrategySentence Strategy = "sentence"
	// StrategySemantic groups sentences by embedding similarity first, then
	// applies the same size limits.
	StrategySemantic Strategy = "semantic"
)

// NoOverlap disables the carried overlap between adjacent chunks.
const NoOverlap = -1

// overflowTolerance is how far past MaxTokens a chunk may grow instead of
// splitting mid-sentence.
const overflowTolerance = 0.15

// paragraphCloseRatio: once a chunk is this full, prefer closing it at the
// next paragraph boundary.
const paragraphCloseRatio = 0.70

// Options control a single chunking run.
type Options struct {
	Strategy  Strategy
	MaxTokens int
	MinTokens int
	// OverlapTokens is the trailing token budget carried into the next
	// chunk. 0 selects a dynamic size derived from MaxTokens; NoOverlap
	// disables overlap entirely.
	OverlapTokens              int
	RespectParagraphBoundaries bool
	RespectSectionBoundaries   bool
	// FallbackToSentence controls whether a semantic-strategy embedding
	// failure falls back to the sentence strategy. When false the failure
	// propagates to the caller.
	FallbackToSentence bool
	Encoding           string
}

func (o *Options) applyDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategySentence
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 400
	}
	if o.MinTokens <= 0 {
		o.MinTokens = o.MaxTokens / 4
	}
	if o.OverlapTokens == 0 {
		o.OverlapTokens = dynamicOverlap(o.MaxTokens)
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = 0
	}
}

// dynamicOverlap picks an overlap budget from the chunk size: small chunks
// get a proportionally larger overlap so local context survives the split.
func dynamicOverlap(maxTokens int) int {
	switch {
	case maxTokens <= 150:
		return maxTokens / 5
	case maxTokens <= 600:
		return maxTokens / 10
	default:
		return maxTokens / 15
	}
}

// Document identifies the text being chunked.
type Document struct {
	ID      string
	UserID  string
	TopicID string
	Text    string
}

// Chunker runs the chunking pipeline. The embedder is only used by the
// semantic strategy and may be nil otherwise.
type Chunker struct {
	counter  *token.Counter
	embedder domain.Embedder
	logger   *zap.Logger
}

// New creates a chunker.
func New(counter *token.Counter, embedder domain.Embedder, logger *zap.Logger) *Chunker {
	return &Chunker{counter: counter, embedder: embedder, logger: logger}
}

// sentenceInfo annotates a sentence with its token count and boundary flags.
type sentenceInfo struct {
	textseg.Sentence
	tokens       int
	newParagraph bool
	section      int // index into the section list, -1 when outside any
}

// Chunk splits the document text per the options. Empty or whitespace-only
// input yields an empty list; input below MinTokens yields exactly one chunk.
func (c *Chunker) Chunk(ctx context.Context, doc Document, opts Options) ([]domain.Chunk, error) {
	opts.applyDefaults()

	sentences := textseg.SplitSentences(doc.Text)
	if len(sentences) == 0 {
		return nil, nil
	}

	sections := textseg.DetectSections(doc.Text)
	paragraphs := textseg.DetectParagraphs(doc.Text)

	infos, err := c.annotate(sentences, paragraphs, sections, opts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("annotate sentences: %w", err)
	}

	switch opts.Strategy {
	case StrategySemantic:
		grouped, err := c.groupSemantically(ctx, infos)
		if err != nil {
			if !opts.FallbackToSentence {
				return nil, fmt.Errorf("%w: semantic grouping: %w", domain.ErrChunkingFailed, err)
			}
			c.logger.Warn("Semantic grouping failed, falling back to sentence strategy",
				zap.String("document_id", doc.ID), zap.Error(err))
		} else {
			infos = grouped
			// Group boundaries ride on the paragraph flags.
			opts.RespectParagraphBoundaries = true
		}
	case StrategySentence:
		// Paragraph boundaries stand as-is.
	default:
		return nil, fmt.Errorf("%w: unknown chunking strategy %q", domain.ErrValidation, opts.Strategy)
	}

	return c.build(doc, infos, paragraphs, sections, opts)
}

// annotate computes token counts and boundary flags per sentence.
func (c *Chunker) annotate(
	sentences []textseg.Sentence,
	paragraphs []textseg.Paragraph,
	sections []textseg.Section,
	encoding string,
) ([]sentenceInfo, error) {
	infos := make([]sentenceInfo, len(sentences))
	prevParagraph := -1

	for i, s := range sentences {
		n, err := c.counter.Count(s.Text, encoding)
		if err != nil {
			return nil, fmt.Errorf("count sentence tokens: %w", err)
		}
		par := paragraphAt(paragraphs, s.Start)
		infos[i] = sentenceInfo{
			Sentence:     s,
			tokens:       n,
			newParagraph: par != prevParagraph,
			section:      textseg.SectionAt(sections, s.Start),
		}
		prevParagraph = par
	}
	return infos, nil
}

// build greedily accumulates sentences into chunks, honoring size limits and
// boundary preferences, then carries trailing overlap into each next chunk.
func (c *Chunker) build(
	doc Document,
	infos []sentenceInfo,
	paragraphs []textseg.Paragraph,
	sections []textseg.Section,
	opts Options,
) ([]domain.Chunk, error) {
	total := 0
	for _, s := range infos {
		total += s.tokens
	}

	// Input below the minimum size is a single chunk, always.
	if total < opts.MinTokens {
		chunk, err := c.makeChunk(doc, infos, 0, 0, len(infos)-1, paragraphs, sections, opts.Encoding)
		if err != nil {
			return nil, err
		}
		return []domain.Chunk{chunk}, nil
	}

	maxWithTolerance := int(float64(opts.MaxTokens) * (1 + overflowTolerance))
	closeAt := int(float64(opts.MaxTokens) * paragraphCloseRatio)

	var chunks []domain.Chunk
	contentStart := 0 // first sentence of the chunk span, including overlap carry
	i := 0            // first non-overlap sentence

	for i < len(infos) {
		tokens := infos[i].tokens
		j := i
		for j+1 < len(infos) {
			next := infos[j+1]
			if opts.RespectSectionBoundaries && next.section != infos[j].section && tokens >= opts.MinTokens {
				break
			}
			if opts.RespectParagraphBoundaries && next.newParagraph && tokens >= closeAt {
				break
			}
			if tokens+next.tokens > maxWithTolerance {
				break
			}
			tokens += next.tokens
			j++
		}

		chunk, err := c.makeChunk(doc, infos, len(chunks), contentStart, j, paragraphs, sections, opts.Encoding)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)

		contentStart = overlapStart(infos, i, j, opts.OverlapTokens)
		i = j + 1
	}

	return chunks, nil
}

// overlapStart walks back from the last sentence of a finished chunk,
// collecting sentences until the overlap token budget is spent. The returned
// index is where the next chunk's content span begins.
func overlapStart(infos []sentenceInfo, first, last, budget int) int {
	start := last + 1
	carried := 0
	for start-1 > first {
		if carried+infos[start-1].tokens > budget {
			break
		}
		carried += infos[start-1].tokens
		start--
	}
	return start
}

func (c *Chunker) makeChunk(
	doc Document,
	infos []sentenceInfo,
	index, from, to int,
	paragraphs []textseg.Paragraph,
	sections []textseg.Section,
	encoding string,
) (domain.Chunk, error) {
	startChar := infos[from].Start
	endChar := infos[to].End
	content := doc.Text[startChar:endChar]

	tokenCount, err := c.counter.Count(content, encoding)
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("count chunk tokens: %w", err)
	}

	chunk := domain.Chunk{
		ID:               uuid.New().String(),
		DocumentID:       doc.ID,
		UserID:           doc.UserID,
		TopicID:          doc.TopicID,
		ChunkIndex:       index,
		Content:          content,
		StartChar:        startChar,
		EndChar:          endChar,
		TokenCount:       tokenCount,
		ParagraphIndices: paragraphsInSpan(paragraphs, startChar, endChar),
	}

	if si := textseg.SectionAt(sections, startChar); si >= 0 {
		chunk.Section = &domain.SectionRef{
			Title: sections[si].Title,
			Level: sections[si].Level,
			Index: sections[si].Index,
		}
	}

	return chunk, nil
}

func paragraphAt(paragraphs []textseg.Paragraph, pos int) int {
	for i := len(paragraphs) - 1; i >= 0; i-- {
		if pos >= paragraphs[i].StartChar {
			return i
		}
	}
	return -1
}

func paragraphsInSpan(paragraphs []textseg.Paragraph, start, end int) []int {
	var indices []int
	for _, p := range paragraphs {
		if p.StartChar < end && p.EndChar > start {
			indices = append(indices, p.Index)
		}
	}
	return indices
}
