package recovery

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-key circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// BreakerRegistry lazily creates and caches one gobreaker
// TwoStepCircuitBreaker per key (URL host, or platform, or "default"
// per §3's Circuit Breaker State).
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerRegistry builds an empty registry.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (r *BreakerRegistry) get(key string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: r.cfg.HalfOpenMaxCalls,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
	})
	r.breakers[key] = b
	return b
}

// BreakerState mirrors §3's Circuit Breaker State for external
// inspection (the gobreaker state machine itself owns is-open /
// failure-count / next-attempt-time internally; this is a read-only
// projection of it).
type BreakerState struct {
	Key    string             `json:"key"`
	State  gobreaker.State    `json:"state"`
	Counts gobreaker.Counts   `json:"counts"`
}

// Allow checks whether a call against key is currently permitted. If
// the breaker is open and not yet eligible for a half-open trial, it
// returns allowed=false; the caller must treat this as SKIP per §4.6
// step 2. When allowed, the returned done func must be called exactly
// once with the call's outcome.
func (r *BreakerRegistry) Allow(key string) (allowed bool, done func(success bool), err error) {
	b := r.get(key)
	twoStepDone, err := b.Allow()
	if err != nil {
		return false, nil, err
	}
	return true, twoStepDone, nil
}

// State returns a snapshot of the breaker registered under key, or
// the zero value if none has been created yet.
func (r *BreakerRegistry) State(key string) BreakerState {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return BreakerState{Key: key, State: gobreaker.StateClosed}
	}
	state, counts := b.State(), b.Counts()
	return BreakerState{Key: key, State: state, Counts: counts}
}
