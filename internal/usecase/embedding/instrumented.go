package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/domain"
	"github.com/lodestone-ai/lodestone/internal/metrics"
)

// DefaultMaxAPIBatchSize caps how many texts go into a single API request.
const DefaultMaxAPIBatchSize = 256

// BudgetChecker is the local interface for budget enforcement.
type BudgetChecker interface {
	Check(ctx context.Context) error
	Record(tokens int64)
	RemainingDaily() int64
	RemainingMonthly() int64
}

// InstrumentedEmbedder wraps Embedder with budget enforcement and logging.
// Transport metrics (requests, duration, tokens) live in transport/openai;
// this layer owns budget accounting and the budget gauges only.
type InstrumentedEmbedder struct {
	inner    domain.Embedder
	provider string
	model    string
	budget   BudgetChecker
	logger   *zap.Logger
}

// NewInstrumentedEmbedder wraps an embedder with budget and observability.
func NewInstrumentedEmbedder(
	inner domain.Embedder, provider, model string,
	budget BudgetChecker, logger *zap.Logger,
) *InstrumentedEmbedder {
	return &InstrumentedEmbedder{
		inner:    inner,
		provider: provider,
		model:    model,
		budget:   budget,
		logger:   logger,
	}
}

// Embed checks the budget, delegates to the inner embedder, and records usage.
func (p *InstrumentedEmbedder) Embed(
	ctx context.Context, text string,
) (domain.EmbeddingResult, error) {
	if err := p.checkBudget(ctx, 1); err != nil {
		return domain.EmbeddingResult{}, err
	}

	start := time.Now()
	result, err := p.inner.Embed(ctx, text)
	if err != nil {
		p.logger.Error("Embedding request failed",
			append(p.fields(), zap.Duration("duration", time.Since(start)), zap.Error(err))...)
		return domain.EmbeddingResult{}, fmt.Errorf("embed: %w", err)
	}

	p.recordUsage(result.TotalTokens)
	p.logger.Debug("Embedding request completed",
		append(p.fields(),
			zap.Duration("duration", time.Since(start)),
			zap.Int("dimensions", len(result.Embedding)),
			zap.Int("prompt_tokens", result.PromptTokens),
			zap.Int("total_tokens", result.TotalTokens),
		)...)
	return result, nil
}

// BatchEmbed checks the budget, splits into API-sized slices, and delegates.
// The budget is re-checked between slices so a long batch cannot blow far
// past a limit that a concurrent request already exhausted.
func (p *InstrumentedEmbedder) BatchEmbed(
	ctx context.Context, texts []string,
) (domain.BatchEmbeddingResult, error) {
	if len(texts) == 0 {
		return domain.BatchEmbeddingResult{}, nil
	}

	start := time.Now()
	var result domain.BatchEmbeddingResult

	for offset := 0; offset < len(texts); offset += DefaultMaxAPIBatchSize {
		if err := p.checkBudget(ctx, len(texts)); err != nil {
			if offset > 0 {
				return domain.BatchEmbeddingResult{}, fmt.Errorf("budget check (chunk %d): %w", offset, err)
			}
			return domain.BatchEmbeddingResult{}, err
		}

		end := min(offset+DefaultMaxAPIBatchSize, len(texts))
		slice, err := p.embedSlice(ctx, texts[offset:end])
		if err != nil {
			p.logger.Error("Batch embedding request failed",
				append(p.fields(),
					zap.Int("chunk_offset", offset),
					zap.Int("chunk_size", end-offset),
					zap.Error(err),
				)...)
			return domain.BatchEmbeddingResult{}, fmt.Errorf("batch embed: %w", err)
		}

		result.Embeddings = append(result.Embeddings, slice.Embeddings...)
		result.PromptTokens += slice.PromptTokens
		result.TotalTokens += slice.TotalTokens
	}

	p.recordUsage(result.TotalTokens)
	p.logger.Debug("Batch embedding completed",
		append(p.fields(),
			zap.Duration("duration", time.Since(start)),
			zap.Int("batch_size", len(texts)),
			zap.Int("prompt_tokens", result.PromptTokens),
			zap.Int("total_tokens", result.TotalTokens),
		)...)
	return result, nil
}

// embedSlice sends one API-sized slice, falling back to per-text calls when
// the inner embedder has no native batch support.
func (p *InstrumentedEmbedder) embedSlice(
	ctx context.Context, texts []string,
) (domain.BatchEmbeddingResult, error) {
	if be, ok := p.inner.(domain.BatchEmbedder); ok {
		res, err := be.BatchEmbed(ctx, texts)
		if err != nil {
			return domain.BatchEmbeddingResult{}, fmt.Errorf("inner batch embed: %w", err)
		}
		return res, nil
	}
	res, err := domain.BatchFallback(ctx, p.inner, texts)
	if err != nil {
		return domain.BatchEmbeddingResult{}, fmt.Errorf("inner batch fallback: %w", err)
	}
	return res, nil
}

func (p *InstrumentedEmbedder) checkBudget(ctx context.Context, batchSize int) error {
	if p.budget == nil {
		return nil
	}
	if err := p.budget.Check(ctx); err != nil {
		p.logger.Error("Budget exceeded",
			append(p.fields(), zap.Int("batch_size", batchSize), zap.Error(err))...)
		return fmt.Errorf("budget check: %w", err)
	}
	return nil
}

// recordUsage books consumed tokens against the budget and refreshes the
// remaining-tokens gauges.
func (p *InstrumentedEmbedder) recordUsage(totalTokens int) {
	if p.budget == nil || totalTokens <= 0 {
		return
	}
	p.budget.Record(int64(totalTokens))
	remaining := metrics.EmbeddingBudgetTokensRemaining
	remaining.WithLabelValues(p.provider, "daily").Set(float64(p.budget.RemainingDaily()))
	remaining.WithLabelValues(p.provider, "monthly").Set(float64(p.budget.RemainingMonthly()))
}

func (p *InstrumentedEmbedder) fields() []zap.Field {
	return []zap.Field{
		zap.String("provider", p.provider),
		zap.String("model", p.model),
	}
}
