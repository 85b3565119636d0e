package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig tunes the retry loop. Zero values select the defaults.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor in [0, 1). Zero disables it,
	// which keeps delays deterministic for tests.
	Jitter float64
	// OnRetry fires before each backoff wait.
	OnRetry func(err error, attempt int, delay time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	return c
}

// RetryStats are running totals across Execute calls, resettable for tests
// and exposed through diagnostics.
type RetryStats struct {
	Attempts       int64            `json:"attempts"`
	Successes      int64            `json:"successes"`
	Failures       int64            `json:"failures"`
	FailuresByKind map[string]int64 `json:"failures_by_kind"`
}

// Retryer retries transient failures with exponential backoff. Errors
// classified as client-side fail immediately with zero retries.
type Retryer struct {
	cfg RetryConfig

	mu    sync.Mutex
	stats RetryStats
}

// NewRetryer creates a retryer with the given config.
func NewRetryer(cfg RetryConfig) *Retryer {
	return &Retryer{
		cfg:   cfg.withDefaults(),
		stats: RetryStats{FailuresByKind: make(map[string]int64)},
	}
}

// Execute runs fn, retrying retryable failures up to MaxRetries times.
// Each delay is min(InitialDelay * Multiplier^attempt, MaxDelay), jittered
// by the configured fraction. The context cancels pending waits.
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialDelay
	exp.MaxInterval = r.cfg.MaxDelay
	exp.Multiplier = r.cfg.Multiplier
	exp.RandomizationFactor = r.cfg.Jitter
	exp.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		r.recordAttempt()
		err := fn(ctx)
		if err == nil {
			r.recordSuccess()
			return nil
		}
		kind := Classify(err)
		r.recordFailure(kind)
		if !kind.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(err, attempt, delay)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(exp, uint64(r.cfg.MaxRetries)), ctx)
	return backoff.RetryNotify(operation, policy, notify)
}

// Stats returns a copy of the running totals.
func (r *Retryer) Stats() RetryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.FailuresByKind = make(map[string]int64, len(r.stats.FailuresByKind))
	for k, v := range r.stats.FailuresByKind {
		out.FailuresByKind[k] = v
	}
	return out
}

// ResetStats zeroes the running totals.
func (r *Retryer) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = RetryStats{FailuresByKind: make(map[string]int64)}
}

func (r *Retryer) recordAttempt() {
	r.mu.Lock()
	r.stats.Attempts++
	r.mu.Unlock()
}

func (r *Retryer) recordSuccess() {
	r.mu.Lock()
	r.stats.Successes++
	r.mu.Unlock()
}

func (r *Retryer) recordFailure(kind Kind) {
	r.mu.Lock()
	r.stats.Failures++
	r.stats.FailuresByKind[string(kind)]++
	r.mu.Unlock()
}
