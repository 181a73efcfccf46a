package execclient

import (
	"sync"
	"time"

	appErr "gradewell/pkg/errors"
)

// BreakerConfig controls circuit-breaker behavior for execution-service
// endpoints.
type BreakerConfig struct {
	// Enabled turns the breaker off entirely when false.
	Enabled bool `yaml:"enabled"`

	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Default: 5.
	FailureThreshold int `yaml:"failureThreshold"`

	// Cooldown is how long the breaker stays open before admitting a
	// half-open probe. Default: 30 seconds.
	Cooldown time.Duration `yaml:"cooldown"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a per-endpoint circuit breaker. All state transitions happen
// under a single mutex held only for the state check/update, never across a
// network call.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
	probeActive         bool
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg.withDefaults(), now: now}
}

// Allow decides whether a call may proceed. It returns probe=true when the
// caller holds the single half-open probe slot; the caller must then report
// the result via Record. A CircuitOpen error means fail fast without any
// network attempt.
func (b *Breaker) Allow() (probe bool, err error) {
	if !b.cfg.Enabled {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return false, nil
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, appErr.New(appErr.ExecCircuitOpen)
		}
		b.state = stateHalfOpen
		b.probeActive = true
		return true, nil
	default: // stateHalfOpen
		if b.probeActive {
			return false, appErr.New(appErr.ExecCircuitOpen)
		}
		b.probeActive = true
		return true, nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(success, probe bool) {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeActive = false
		if success {
			b.state = stateClosed
			b.consecutiveFailures = 0
		} else {
			b.state = stateOpen
			b.openedAt = b.now()
		}
		return
	}

	if b.state != stateClosed {
		return
	}
	if success {
		b.consecutiveFailures = 0
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// Trip forces the breaker open immediately. Workers call this when they
// observe a transient failure elsewhere, so concurrent workers converge on
// fast-fail instead of each exhausting its own retry budget.
func (b *Breaker) Trip() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateOpen
	b.openedAt = b.now()
	b.probeActive = false
}

// Open reports whether calls would currently fail fast.
func (b *Breaker) Open() bool {
	if !b.cfg.Enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return b.now().Sub(b.openedAt) < b.cfg.Cooldown
	}
	return false
}

// BreakerRegistry holds one breaker per execution-service endpoint so that
// all client instances targeting the same endpoint share failure state.
// It is an explicit injectable dependency, never package-global, so tests
// can reset breaker state deterministically.
type BreakerRegistry struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry applying cfg to every endpoint.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return newBreakerRegistryAt(cfg, time.Now)
}

func newBreakerRegistryAt(cfg BreakerConfig, now func() time.Time) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		now:      now,
		breakers: make(map[string]*Breaker),
	}
}

// ForEndpoint returns the breaker for the endpoint, creating it on first use.
func (r *BreakerRegistry) ForEndpoint(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b := newBreaker(r.cfg, r.now)
	r.breakers[endpoint] = b
	return b
}
