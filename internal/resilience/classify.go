// Package resilience wraps calls to external dependencies with a circuit
// breaker, retries and degradation tracking. Every outbound call in the
// retrieval pipeline goes through this package.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

// Kind is the coarse failure class used for retry decisions, degradation
// levels and observability labels.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindCircuitOpen    Kind = "circuit_open"
	KindTimeout        Kind = "timeout"
	KindServer         Kind = "server"
	KindClient         Kind = "client"
	KindNetwork        Kind = "network"
	KindUnknown        Kind = "unknown"
)

// Classify maps an error onto its failure kind. The sentinel taxonomy is
// checked first so wrapped errors keep their class across layers.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, domain.ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, domain.ErrValidation):
		return KindValidation
	case errors.Is(err, domain.ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, domain.ErrNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var depErr *domain.DependencyError
	if errors.As(err, &depErr) {
		switch {
		case depErr.StatusCode >= 500:
			return KindServer
		case depErr.StatusCode >= 400:
			return KindClient
		default:
			return KindNetwork
		}
	}

	if isTransientMessage(err.Error()) {
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether an error of the given kind is worth retrying.
// Client-side kinds fail immediately with zero retries.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// Severity maps a failure kind onto a degradation level. Open circuits,
// timeouts and server errors mark the service severely degraded; anything
// else is partial.
func (k Kind) Severity() Level {
	switch k {
	case KindCircuitOpen, KindTimeout, KindServer:
		return LevelSevere
	default:
		return LevelPartial
	}
}

func isTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporarily unavailable",
		"unexpected eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
