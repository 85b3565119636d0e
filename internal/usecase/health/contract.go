package health

import (
	"context"

	"github.com/lodestone-ai/lodestone/internal/resilience"
)

// DBPinger checks key-value store availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// EmbeddingChecker checks embedding provider availability.
type EmbeddingChecker interface {
	HealthCheck(ctx context.Context) error
}

// VectorChecker checks vector store availability.
type VectorChecker interface {
	HealthCheck(ctx context.Context) error
}

// DegradationReader exposes the retrieval pipeline's degradation state.
type DegradationReader interface {
	Status() resilience.SystemStatus
}
