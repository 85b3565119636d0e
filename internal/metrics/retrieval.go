package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Retrieval pipeline Prometheus metrics.
var (
	RetrievalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestone",
			Name:      "retrieval_requests_total",
			Help:      "Total number of retrieve calls",
		},
		[]string{"status"}, // "success" / "error"
	)

	RetrievalBranchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lodestone",
			Name:      "retrieval_branch_duration_seconds",
			Help:      "Per-branch retrieval duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"branch"}, // "lexical" / "vector" / "web"
	)

	RetrievalBranchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestone",
			Name:      "retrieval_branch_failures_total",
			Help:      "Retrieval branch failures by error kind",
		},
		[]string{"branch", "kind"},
	)

	RetrievalResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lodestone",
			Name:      "retrieval_results",
			Help:      "Result counts per pipeline stage",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"stage"}, // "merged" / "diverse" / "final"
	)

	IngestChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestone",
			Name:      "ingest_chunks_total",
			Help:      "Chunks produced by document ingestion",
		},
		[]string{"document_type"},
	)

	DegradationLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lodestone",
			Name:      "degradation_level",
			Help:      "Service degradation level (0=none, 1=partial, 2=severe)",
		},
		[]string{"service"},
	)
)

var registerRetrievalOnce sync.Once

// RegisterRetrievalMetrics registers the retrieval metrics with the default
// registry. Safe to call more than once; only the first call registers.
func RegisterRetrievalMetrics() {
	registerRetrievalOnce.Do(func() {
		prometheus.MustRegister(
			RetrievalRequestsTotal,
			RetrievalBranchDuration,
			RetrievalBranchFailures,
			RetrievalResults,
			IngestChunksTotal,
			DegradationLevel,
		)
	})
}
