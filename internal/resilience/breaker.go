package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lodestone-ai/lodestone/internal/domain"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker. Zero values select the defaults.
type BreakerConfig struct {
	// FailureThreshold opens the circuit once this many failures land
	// inside MonitoringWindow.
	FailureThreshold int
	// MonitoringWindow bounds how long a failure counts against the
	// threshold. Older failures are pruned before every evaluation.
	MonitoringWindow time.Duration
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls caps concurrent probe calls while half-open.
	HalfOpenMaxCalls int
	// CallTimeout bounds the wrapped call; an expired deadline counts
	// as a failure. Zero disables the bound.
	CallTimeout time.Duration
	// ErrorFilter decides whether an error counts as a circuit failure.
	// Nil counts every error. Validation errors from the caller's own
	// input should not trip a breaker guarding a healthy dependency.
	ErrorFilter func(error) bool

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Breaker is a circuit breaker for one named dependency. It lives for the
// process lifetime and is shared across requests through the Registry.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         State
	failures      []time.Time
	lastFailure   time.Time
	halfOpenCalls int
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Execute runs fn under the breaker. While the circuit is open, fn is not
// invoked and the call fails with ErrCircuitOpen immediately.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state, honoring a pending open-to-half-open
// transition so observers never report open past the reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Clock().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed with all counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = nil
	b.halfOpenCalls = 0
}

// BreakerStats is a point-in-time snapshot for diagnostics.
type BreakerStats struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Stats snapshots the breaker for diagnostics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.cfg.Clock())
	return BreakerStats{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: len(b.failures),
		LastFailure:  b.lastFailure,
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Clock().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen)
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 1
		return nil

	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return fmt.Errorf("%s: probe limit reached: %w", b.name, domain.ErrCircuitOpen)
		}
		b.halfOpenCalls++
		return nil

	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	failure := err != nil && (b.cfg.ErrorFilter == nil || b.cfg.ErrorFilter(err))

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()
	if !failure {
		if b.state == StateHalfOpen {
			// First healthy probe closes the circuit.
			b.state = StateClosed
			b.failures = nil
			b.halfOpenCalls = 0
		}
		return
	}

	b.lastFailure = now
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenCalls = 0
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// pruneLocked drops failures older than the monitoring window. Callers
// hold b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// Registry holds one breaker per dependency name, created lazily. It is
// constructed once and injected wherever calls need wrapping; there is no
// package-level instance.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a dependency name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Execute runs fn under the named dependency's breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Stats snapshots every registered breaker, keyed by dependency name.
func (r *Registry) Stats() map[string]BreakerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerStats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
