package retrieve

import (
	"context"

	"github.com/lodestone-ai/lodestone/internal/budget"
	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/index"
	"github.com/lodestone-ai/lodestone/internal/resilience"
)

// LexicalIndex is the in-process BM25 index.
type LexicalIndex interface {
	Search(query string, opts index.SearchOptions) ([]index.Hit, error)
}

// QueryEmbedder vectorizes the query text for the vector branch.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}

// VectorStore answers nearest-neighbor queries.
type VectorStore interface {
	Query(ctx context.Context, vector []float32, filter domain.VectorFilter, topK int) ([]domain.VectorMatch, error)
}

// WebSearcher is the live web search provider. May be absent.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]domain.WebResult, error)
}

// Breakers guards each external call with a named circuit breaker.
type Breakers interface {
	Execute(ctx context.Context, name string, fn func(context.Context) error) error
}

// Retryer retries transient failures with backoff.
type Retryer interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Degradation tracks per-service health so a failing branch degrades the
// response instead of failing it.
type Degradation interface {
	RecordFailure(service string, err error) resilience.Level
	RecordSuccess(service string)
	Status() resilience.SystemStatus
}

// BudgetPlanner fits assembled context into the generation model's window.
type BudgetPlanner interface {
	CalculateBudget(req budget.Request) (budget.TokenBudget, error)
	AllocateContext(b budget.TokenBudget, in budget.ContextInput) (budget.AllocatedContext, error)
}
