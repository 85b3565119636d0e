package domain

import (
	"context"
	"time"
)

// WebResult is a single live web search hit.
type WebResult struct {
	Title       string
	URL         string
	Content     string
	Score       float64
	PublishedAt *time.Time // nil when the provider gave no date
}

// WebSearcher is the external web search provider contract.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]WebResult, error)
}
