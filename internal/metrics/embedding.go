package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Embedding pipeline metrics. Transport records requests, duration, and
// errors; the instrumented embedder owns the budget gauge; the cache
// decorator owns hit/miss counts.
var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestone",
			Name:      "embedding_requests_total",
			Help:      "Embedding API requests by outcome",
		},
		[]string{"provider", "model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lodestone",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding API request latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "model"},
	)

	EmbeddingTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestone",
			Name:      "embedding_tokens_total",
			Help:      "Tokens consumed by embedding requests",
		},
		[]string{"provider", "model", "type"},
	)

	EmbeddingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestone",
			Name:      "embedding_errors_total",
			Help:      "Embedding API errors by class",
		},
		[]string{"provider", "model", "error_type"},
	)

	EmbeddingBudgetTokensRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lodestone",
			Name:      "embedding_budget_tokens_remaining",
			Help:      "Token budget left in the current period",
		},
		[]string{"provider", "period"},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestone",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by result",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

var registerEmbeddingOnce sync.Once

// RegisterEmbeddingMetrics registers the embedding metrics with the default
// registry. Safe to call more than once; only the first call registers.
func RegisterEmbeddingMetrics() {
	registerEmbeddingOnce.Do(func() {
		prometheus.MustRegister(
			EmbeddingRequestsTotal,
			EmbeddingRequestDuration,
			EmbeddingTokensTotal,
			EmbeddingErrorsTotal,
			EmbeddingBudgetTokensRemaining,
			EmbeddingCacheTotal,
		)
	})
}
