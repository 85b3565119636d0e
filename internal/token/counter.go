// Package token provides exact token counting for sizing decisions.
package token

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when the caller names no encoding and the model
// is unknown to the tokenizer tables.
const DefaultEncoding = "cl100k_base"

// Encoder is the minimal tokenizer surface the counter needs.
type Encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// LoaderFunc resolves an encoding name to a tokenizer.
type LoaderFunc func(name string) (Encoder, error)

// Counter counts tokens with a per-encoding tokenizer cache. Initializing a
// BPE encoding is expensive; counting with a cached one is not. Safe for
// concurrent use.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]Encoder
	load      LoaderFunc
}

// NewCounter creates a counter backed by tiktoken encodings.
func NewCounter() *Counter {
	return NewCounterWithLoader(func(name string) (Encoder, error) {
		enc, err := tiktoken.GetEncoding(name)
		if err != nil {
			return nil, fmt.Errorf("get encoding %q: %w", name, err)
		}
		return enc, nil
	})
}

// NewCounterWithLoader creates a counter with a custom encoding loader,
// for offline deployments and tests.
func NewCounterWithLoader(load LoaderFunc) *Counter {
	return &Counter{
		encodings: make(map[string]Encoder),
		load:      load,
	}
}

// Count returns the exact token count of text under the given encoding.
// An empty encoding name selects DefaultEncoding. Empty or whitespace-only
// text counts as 0 without touching the tokenizer.
func (c *Counter) Count(text, encoding string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	if encoding == "" {
		encoding = DefaultEncoding
	}

	enc, err := c.encodingFor(encoding)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountForModel counts tokens under the encoding the given model uses,
// falling back to DefaultEncoding for models the tokenizer tables do not know.
func (c *Counter) CountForModel(text, model string) (int, error) {
	return c.Count(text, EncodingForModel(model))
}

// EncodingForModel maps a model name to its encoding name, falling back to
// DefaultEncoding for unknown models.
func EncodingForModel(model string) string {
	if enc, ok := tiktoken.MODEL_TO_ENCODING[model]; ok {
		return enc
	}
	for prefix, enc := range tiktoken.MODEL_PREFIX_TO_ENCODING {
		if strings.HasPrefix(model, prefix) {
			return enc
		}
	}
	return DefaultEncoding
}

func (c *Counter) encodingFor(name string) (Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}
	enc, err := c.load(name)
	if err != nil {
		return nil, err
	}
	c.encodings[name] = enc
	return enc, nil
}
