package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation signals bad caller input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrDependency signals a network/timeout/5xx failure of an external provider.
	ErrDependency = errors.New("dependency failure")
	// ErrRateLimited signals a 429 from an external provider.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthentication signals a 401/403 from an external provider. Never retried.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrIndexState signals a lexical index inconsistency. Self-healed, never fatal.
	ErrIndexState = errors.New("index state inconsistent")
	// ErrCircuitOpen signals a call rejected by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrEmbeddingQuotaExceeded signals an exhausted embedding token budget.
	ErrEmbeddingQuotaExceeded = errors.New("embedding quota exceeded")
	// ErrChunkingFailed signals that the semantic chunking path failed and
	// fallback to the sentence path was disabled by the caller.
	ErrChunkingFailed = errors.New("chunking failed")
)

// DependencyError wraps ErrDependency with the failing service and HTTP status.
type DependencyError struct {
	Service    string
	StatusCode int // 0 when the failure never reached HTTP (network, timeout)
	Err        error
}

func (e *DependencyError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s returned %d: %v", ErrDependency.Error(), e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrDependency.Error(), e.Service, e.Err)
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// NewDependencyError creates a dependency error for the given service.
func NewDependencyError(service string, statusCode int, err error) error {
	return &DependencyError{Service: service, StatusCode: statusCode, Err: err}
}

// RateLimitError wraps ErrRateLimited with an optional provider-supplied wait hint.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration // 0 when the provider gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s: retry after %s", ErrRateLimited.Error(), e.Service, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", ErrRateLimited.Error(), e.Service)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// NewRateLimitError creates a rate limit error for the given service.
func NewRateLimitError(service string, retryAfter time.Duration) error {
	return &RateLimitError{Service: service, RetryAfter: retryAfter}
}
