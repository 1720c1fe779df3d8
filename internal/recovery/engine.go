// Package recovery implements the Recovery Engine of SPEC_FULL.md
// §4.6: error classification against an ordered pattern library,
// per-key circuit breakers, recovery-strategy selection, and strategy
// execution.
package recovery

import (
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/khryptorgraphics/crawld/internal/task"
)

// Config tunes the engine.
type Config struct {
	Patterns      []Pattern
	Breaker       BreakerConfig
	RingCapacity  int
	// JitterFactor, when > 0, applies ±JitterFactor jitter in
	// RetryDelay; zero (the default) disables jitter.
	JitterFactor  float64
}

func (c Config) withDefaults() Config {
	if len(c.Patterns) == 0 {
		c.Patterns = DefaultPatterns()
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = 500
	}
	return c
}

// Metrics tallies classification and strategy outcomes.
type Metrics struct {
	mu                 sync.Mutex
	CountsByCategory    map[task.ErrorCategory]int64
	CountsBySeverity    map[task.ErrorSeverity]int64
	CountsByStrategy    map[task.RecoveryStrategy]int64
	StrategySuccesses   map[task.RecoveryStrategy]int64
	StrategyAttempts    map[task.RecoveryStrategy]int64
}

func newMetrics() *Metrics {
	return &Metrics{
		CountsByCategory:  make(map[task.ErrorCategory]int64),
		CountsBySeverity:  make(map[task.ErrorSeverity]int64),
		CountsByStrategy:  make(map[task.RecoveryStrategy]int64),
		StrategySuccesses: make(map[task.RecoveryStrategy]int64),
		StrategyAttempts:  make(map[task.RecoveryStrategy]int64),
	}
}

func (m *Metrics) record(category task.ErrorCategory, severity task.ErrorSeverity, strategy task.RecoveryStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CountsByCategory[category]++
	m.CountsBySeverity[severity]++
	m.CountsByStrategy[strategy]++
}

// RecordOutcome feeds back whether a previously recommended strategy
// ultimately succeeded, for the rolling per-strategy success rate.
func (m *Metrics) RecordOutcome(strategy task.RecoveryStrategy, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StrategyAttempts[strategy]++
	if success {
		m.StrategySuccesses[strategy]++
	}
}

// SuccessRate returns the rolling success rate for a strategy, or 0 if
// it has never been attempted.
func (m *Metrics) SuccessRate(strategy task.RecoveryStrategy) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempts := m.StrategyAttempts[strategy]
	if attempts == 0 {
		return 0
	}
	return float64(m.StrategySuccesses[strategy]) / float64(attempts)
}

// Snapshot is a read-only copy of the metrics for reporting.
type Snapshot struct {
	CountsByCategory map[task.ErrorCategory]int64
	CountsBySeverity map[task.ErrorSeverity]int64
	CountsByStrategy map[task.RecoveryStrategy]int64
}

// Snapshot copies out current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		CountsByCategory: make(map[task.ErrorCategory]int64, len(m.CountsByCategory)),
		CountsBySeverity: make(map[task.ErrorSeverity]int64, len(m.CountsBySeverity)),
		CountsByStrategy: make(map[task.RecoveryStrategy]int64, len(m.CountsByStrategy)),
	}
	for k, v := range m.CountsByCategory {
		s.CountsByCategory[k] = v
	}
	for k, v := range m.CountsBySeverity {
		s.CountsBySeverity[k] = v
	}
	for k, v := range m.CountsByStrategy {
		s.CountsByStrategy[k] = v
	}
	return s
}

// Sink optionally persists an ErrorRecord to external storage — the
// ring buffer in this package is the engine's own bounded history.
type Sink interface {
	StoreError(record *task.ErrorRecord) error
}

// ErrorContext carries the call-site detail handle_error needs beyond
// the raw error message: the URL being fetched (for breaker/host
// keying), the HTTP response status if any, and the attempt count so
// far for this task.
type ErrorContext struct {
	URL            string
	Platform       string
	ResponseStatus int
	Attempt        int
	WorkerID       string
	StackTrace     string
}

// Engine is the Recovery Engine.
type Engine struct {
	cfg      Config
	breakers *BreakerRegistry
	logger   *slog.Logger
	metrics  *Metrics
	sink     Sink

	ringMu sync.Mutex
	ring   []*task.ErrorRecord
}

// New builds a Recovery Engine.
func New(cfg Config, logger *slog.Logger, sink Sink) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		breakers: NewBreakerRegistry(cfg.Breaker),
		logger:   logger,
		metrics:  newMetrics(),
		sink:     sink,
	}
}

// Metrics exposes the engine's metrics for external reporting.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Records returns a copy of the bounded error-record ring.
func (e *Engine) Records() []*task.ErrorRecord {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	out := make([]*task.ErrorRecord, len(e.ring))
	copy(out, e.ring)
	return out
}

func (e *Engine) pushRecord(rec *task.ErrorRecord) {
	e.ringMu.Lock()
	e.ring = append(e.ring, rec)
	if len(e.ring) > e.cfg.RingCapacity {
		e.ring = e.ring[len(e.ring)-e.cfg.RingCapacity:]
	}
	e.ringMu.Unlock()

	if e.sink != nil {
		if err := e.sink.StoreError(rec); err != nil {
			e.logger.Warn("recovery: external error sink failed", "error", err)
		}
	}
}

// classify matches errMsg against the ordered pattern library,
// applies the HTTP-status override, and returns the matched pattern
// (nil if none matched) plus the resolved category/severity.
func (e *Engine) classify(errMsg string, status int) (*Pattern, task.ErrorCategory, task.ErrorSeverity) {
	var matched *Pattern
	category := task.CategoryUnknown
	severity := task.SeverityMedium

	for i := range e.cfg.Patterns {
		p := &e.cfg.Patterns[i]
		if p.Match.MatchString(errMsg) {
			matched = p
			category = p.Category
			severity = p.Severity
			break
		}
	}

	if override, ok := HTTPStatusOverride(status); ok {
		category = override
	}

	return matched, category, severity
}

// breakerKey derives the circuit-breaker key for a URL: host, falling
// back to platform, falling back to "default" (§4.6 step 2).
func breakerKey(rawURL, platform string) string {
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
			return strings.ToLower(u.Host)
		}
	}
	if platform != "" {
		return platform
	}
	return "default"
}

// HandleError is the engine's single entry point: classify, consult
// the circuit breaker, select a strategy, execute it, and record
// metrics + the error record.
func (e *Engine) HandleError(taskID string, cause error, ectx ErrorContext) (shouldRetry bool, action task.RecoveryAction, strategy task.RecoveryStrategy) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	pattern, category, severity := e.classify(errMsg, ectx.ResponseStatus)

	rec := task.NewErrorRecord(taskID, ectx.WorkerID, errMsg)
	rec.Category = category
	rec.Severity = severity
	rec.URL = ectx.URL
	rec.ResponseStatus = ectx.ResponseStatus
	rec.StackTrace = ectx.StackTrace
	rec.RecoveryAttempts = ectx.Attempt

	key := breakerKey(ectx.URL, ectx.Platform)
	allowed, done, err := e.breakers.Allow(key)
	if err != nil || !allowed {
		rec.RecoveryStrategy = task.StrategyCircuitBreaker
		rec.RecoveryActions = []task.RecoveryAction{task.ActionSkip}
		e.metrics.record(category, severity, task.StrategyCircuitBreaker)
		e.pushRecord(rec)
		e.logger.Warn("recovery: circuit open, skipping", "key", key, "task_id", taskID)
		return false, task.ActionSkip, task.StrategyCircuitBreaker
	}

	strategy = categoryDefaultStrategy(category, severity)
	maxRetries := 3
	baseDelay := time.Second
	backoffFactor := 2.0
	timeoutMultiplier := 1.0
	if pattern != nil {
		strategy = pattern.Strategy
		maxRetries = pattern.MaxRetries
		baseDelay = pattern.BaseDelay
		backoffFactor = pattern.BackoffFactor
		timeoutMultiplier = pattern.TimeoutMultiplier
	}
	_ = timeoutMultiplier

	shouldRetry, action = e.execute(strategy, ectx.Attempt, maxRetries, baseDelay, backoffFactor)

	rec.RecoveryStrategy = strategy
	rec.RecoveryActions = []task.RecoveryAction{action}
	e.metrics.record(category, severity, strategy)
	e.pushRecord(rec)

	// HandleError is only invoked in response to an actual failure, so
	// the breaker always records it as a failed call; a future
	// successful fetch against the same key is reported by the caller
	// via RecordSuccess, not through this path.
	done(false)

	return shouldRetry, action, strategy
}

// execute runs §4.6 step 4: given the selected strategy and retry
// budget, decide whether to retry and which action the caller should
// take. No delay is returned: baseDelay and backoffFactor are not used
// here, and queue.Fail's retry path applies the queue's own back-off;
// this engine only recommends retry/action, matching the spec's "the
// scaling executor is external" stance reused here for recovery
// execution.
func (e *Engine) execute(strategy task.RecoveryStrategy, attempt, maxRetries int, baseDelay time.Duration, backoffFactor float64) (bool, task.RecoveryAction) {
	switch strategy {
	case task.StrategyImmediateRetry, task.StrategyDelayedRetry, task.StrategyExponential, task.StrategyLinear:
		if attempt < maxRetries {
			return true, task.ActionRetryTask
		}
		return false, task.ActionSkip
	case task.StrategyCircuitBreaker:
		if attempt < maxRetries {
			return true, task.ActionRetryTask
		}
		return false, task.ActionSkip
	case task.StrategyFallback:
		return false, task.ActionUseFallback
	case task.StrategyEscalate:
		return false, task.ActionAlertAdmin
	case task.StrategySkip:
		return false, task.ActionSkip
	default:
		return false, task.ActionSkip
	}
}

// RetryDelay computes min(base·factor^attempt, max_delay) optionally
// jittered by ±JitterFactor, per §4.6 step 4.
func (e *Engine) RetryDelay(baseDelay time.Duration, backoffFactor float64, attempt int, maxDelay time.Duration) time.Duration {
	if backoffFactor <= 0 {
		backoffFactor = 2.0
	}
	delay := float64(baseDelay) * math.Pow(backoffFactor, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if e.cfg.JitterFactor > 0 {
		jitter := 1 + (rand.Float64()*2-1)*e.cfg.JitterFactor
		delay *= jitter
	}
	return time.Duration(delay)
}

// BreakerState exposes the current circuit breaker state for key, for
// the operational status surface.
func (e *Engine) BreakerState(key string) BreakerState {
	return e.breakers.State(key)
}

// RecordSuccess reports a successful fetch against a URL/platform, so
// the circuit breaker for that key can close again after a half-open
// trial. Callers invoke this on the happy path, outside HandleError.
func (e *Engine) RecordSuccess(rawURL, platform string) {
	key := breakerKey(rawURL, platform)
	if allowed, done, err := e.breakers.Allow(key); err == nil && allowed {
		done(true)
	}
}
