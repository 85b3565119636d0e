package health

import (
	"context"

	"github.com/lodestone-ai/lodestone/internal/resilience"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates every checked component is down.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status      Status                  `json:"status"`
	Checks      map[string]CheckResult  `json:"checks"`
	Degradation resilience.SystemStatus `json:"degradation"`
}

// Service coordinates health checks.
type Service struct {
	db        DBPinger
	embedding EmbeddingChecker
	vectors   VectorChecker
	tracker   DegradationReader
}

// New creates a Service. embedding, vectors and tracker can each be nil.
func New(db DBPinger, embedding EmbeddingChecker, vectors VectorChecker, tracker DegradationReader) *Service {
	return &Service{db: db, embedding: embedding, vectors: vectors, tracker: tracker}
}

// Check runs health checks against all configured components.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if err := s.db.Ping(ctx); err != nil {
		checks["database"] = CheckError
	} else {
		checks["database"] = CheckOK
	}

	if s.embedding != nil {
		if err := s.embedding.HealthCheck(ctx); err != nil {
			checks["embedding"] = CheckError
		} else {
			checks["embedding"] = CheckOK
		}
	}

	if s.vectors != nil {
		if err := s.vectors.HealthCheck(ctx); err != nil {
			checks["vector_store"] = CheckError
		} else {
			checks["vector_store"] = CheckOK
		}
	}

	failed := 0
	for _, v := range checks {
		if v == CheckError {
			failed++
		}
	}
	status := Healthy
	switch {
	case failed == len(checks):
		status = Unhealthy
	case failed > 0:
		status = Degraded
	}

	report := Report{Status: status, Checks: checks}
	if s.tracker != nil {
		report.Degradation = s.tracker.Status()
		if status == Healthy && report.Degradation.Overall > resilience.LevelNone {
			report.Status = Degraded
		}
	}
	return report
}
