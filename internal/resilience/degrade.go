package resilience

import (
	"sort"
	"sync"
	"time"
)

// Level is the coarse health of one logical service.
type Level int

const (
	LevelNone Level = iota
	LevelPartial
	LevelSevere
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelPartial:
		return "partial"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// ServiceStatus is the tracked state of one service.
type ServiceStatus struct {
	Level   Level     `json:"level"`
	Reason  string    `json:"reason,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Changed time.Time `json:"changed,omitempty"`
}

// SystemStatus aggregates per-service levels. Overall is the maximum level
// across all tracked services.
type SystemStatus struct {
	Overall          Level                    `json:"overall"`
	AffectedServices []string                 `json:"affected_services"`
	Services         map[string]ServiceStatus `json:"services"`
}

// Tracker maintains a degradation level per logical service type. It is
// informed by, but independent of, circuit breaker state: the retrieval
// pipeline consults it to decide whether to serve a cheaper fallback
// instead of failing outright.
type Tracker struct {
	mu       sync.Mutex
	services map[string]ServiceStatus
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{services: make(map[string]ServiceStatus), now: time.Now}
}

// RecordFailure degrades the named service according to the error class.
// An escalation replaces a milder level; a milder failure never downgrades
// an existing severe entry.
func (t *Tracker) RecordFailure(service string, err error) Level {
	kind := Classify(err)
	level := kind.Severity()

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cur, ok := t.services[service]
	if !ok || level > cur.Level {
		since := now
		if ok {
			since = cur.Since
		}
		t.services[service] = ServiceStatus{
			Level:   level,
			Reason:  string(kind),
			Since:   since,
			Changed: now,
		}
		return level
	}
	return cur.Level
}

// RecordSuccess clears any degradation for the named service.
func (t *Tracker) RecordSuccess(service string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.services, service)
}

// Level returns the current level for one service.
func (t *Tracker) Level(service string) Level {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.services[service].Level
}

// Status snapshots the whole system.
func (t *Tracker) Status() SystemStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := SystemStatus{Services: make(map[string]ServiceStatus, len(t.services))}
	for name, s := range t.services {
		status.Services[name] = s
		if s.Level > LevelNone {
			status.AffectedServices = append(status.AffectedServices, name)
		}
		if s.Level > status.Overall {
			status.Overall = s.Level
		}
	}
	sort.Strings(status.AffectedServices)
	return status
}

// RecoveryAction tells the caller how to proceed after a failure.
type RecoveryAction string

const (
	// ActionWait asks the caller to honor the rate limit before retrying.
	ActionWait RecoveryAction = "wait"
	// ActionRetry means the failure looks transient.
	ActionRetry RecoveryAction = "retry"
	// ActionSkip means retrying cannot help; drop the branch.
	ActionSkip RecoveryAction = "skip"
	// ActionCircuitBreak means the dependency is circuit-broken; refuse
	// immediately without touching it.
	ActionCircuitBreak RecoveryAction = "circuit_break"
	// ActionDegrade means serve a reduced result instead of failing.
	ActionDegrade RecoveryAction = "degrade"
	// ActionFallback means run the caller's fallback function.
	ActionFallback RecoveryAction = "fallback"
)

// AttemptRecovery maps a failure onto the recovery policy. hasFallback
// reports whether the caller can run a substitute for the failed call.
func AttemptRecovery(err error, hasFallback bool) RecoveryAction {
	switch kind := Classify(err); kind {
	case KindCircuitOpen:
		return ActionCircuitBreak
	case KindRateLimit:
		return ActionWait
	case KindValidation, KindAuthentication, KindNotFound, KindClient:
		return ActionSkip
	case KindNetwork, KindTimeout, KindServer:
		return ActionRetry
	case KindUnknown:
		if hasFallback {
			return ActionFallback
		}
		return ActionDegrade
	default:
		return ActionDegrade
	}
}
