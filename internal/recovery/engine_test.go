package recovery

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/khryptorgraphics/crawld/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleErrorClassifiesNetworkErrorAsExponentialRetry(t *testing.T) {
	e := New(Config{}, testLogger(), nil)
	retry, action, _ := e.HandleError("t1", errors.New("dial tcp: connection refused"), ErrorContext{URL: "https://example.com/a", Attempt: 0})
	assert.True(t, retry)
	assert.Equal(t, task.ActionRetryTask, action)

	recs := e.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, task.CategoryNetwork, recs[0].Category)
}

func TestHandleErrorValidationErrorSkips(t *testing.T) {
	e := New(Config{}, testLogger(), nil)
	retry, action, _ := e.HandleError("t1", errors.New("validation failed: invalid url"), ErrorContext{Attempt: 0})
	assert.False(t, retry)
	assert.Equal(t, task.ActionSkip, action)
}

func TestHandleErrorAuthFailureFallsBack(t *testing.T) {
	e := New(Config{}, testLogger(), nil)
	retry, action, _ := e.HandleError("t1", errors.New("401 unauthorized"), ErrorContext{Attempt: 0})
	assert.False(t, retry)
	assert.Equal(t, task.ActionUseFallback, action)
}

func TestHandleErrorCriticalSeverityEscalates(t *testing.T) {
	e := New(Config{}, testLogger(), nil)
	retry, action, _ := e.HandleError("t1", errors.New("fatal: out of memory, cannot allocate"), ErrorContext{Attempt: 0})
	assert.False(t, retry)
	assert.Equal(t, task.ActionAlertAdmin, action)
}

func TestHTTPStatusOverridesCategory(t *testing.T) {
	e := New(Config{}, testLogger(), nil)
	_, action, _ := e.HandleError("t1", errors.New("unexpected response"), ErrorContext{URL: "https://x.com", ResponseStatus: 503, Attempt: 0})
	recs := e.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, task.CategorySystem, recs[0].Category)
	assert.Equal(t, 503, recs[0].ResponseStatus)
	_ = action
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	e := New(Config{Breaker: BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Hour}}, testLogger(), nil)
	for i := 0; i < 3; i++ {
		e.HandleError("t1", errors.New("connection refused"), ErrorContext{URL: "https://flaky.example.com/a", Attempt: 0})
	}

	retry, action, _ := e.HandleError("t1", errors.New("connection refused"), ErrorContext{URL: "https://flaky.example.com/b", Attempt: 0})
	assert.False(t, retry)
	assert.Equal(t, task.ActionSkip, action)
}

func TestBreakerKeyPrefersHostThenPlatformThenDefault(t *testing.T) {
	assert.Equal(t, "example.com", breakerKey("https://example.com/page", "news"))
	assert.Equal(t, "news", breakerKey("not-a-url", "news"))
	assert.Equal(t, "default", breakerKey("", ""))
}

func TestRetryDelayCapsAtMaxDelay(t *testing.T) {
	e := New(Config{JitterFactor: 0}, testLogger(), nil)
	d := e.RetryDelay(2*time.Second, 2.0, 10, 60*time.Second)
	assert.Equal(t, 60*time.Second, d)
}

func TestRetryDelayFollowsBackoffSequence(t *testing.T) {
	e := New(Config{JitterFactor: 0}, testLogger(), nil)
	assert.Equal(t, 2*time.Second, e.RetryDelay(2*time.Second, 2.0, 0, 0))
	assert.Equal(t, 4*time.Second, e.RetryDelay(2*time.Second, 2.0, 1, 0))
	assert.Equal(t, 8*time.Second, e.RetryDelay(2*time.Second, 2.0, 2, 0))
}

func TestMetricsTallyByCategoryAndStrategy(t *testing.T) {
	e := New(Config{}, testLogger(), nil)
	e.HandleError("t1", errors.New("connection refused"), ErrorContext{Attempt: 0})
	e.HandleError("t2", errors.New("connection refused"), ErrorContext{Attempt: 0})

	snap := e.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.CountsByCategory[task.CategoryNetwork])
	assert.Equal(t, int64(2), snap.CountsByStrategy[task.StrategyExponential])
}

func TestRecordOutcomeTracksSuccessRate(t *testing.T) {
	m := newMetrics()
	m.RecordOutcome(task.StrategyExponential, true)
	m.RecordOutcome(task.StrategyExponential, false)
	assert.InDelta(t, 0.5, m.SuccessRate(task.StrategyExponential), 0.001)
}

type fakeSink struct {
	stored []*task.ErrorRecord
}

func (f *fakeSink) StoreError(record *task.ErrorRecord) error {
	f.stored = append(f.stored, record)
	return nil
}

func TestExternalSinkReceivesErrorRecords(t *testing.T) {
	sink := &fakeSink{}
	e := New(Config{}, testLogger(), sink)
	e.HandleError("t1", errors.New("connection refused"), ErrorContext{Attempt: 0})
	assert.Len(t, sink.stored, 1)
}

func TestRingCapacityBoundsHistory(t *testing.T) {
	e := New(Config{RingCapacity: 3}, testLogger(), nil)
	for i := 0; i < 10; i++ {
		e.HandleError("t1", errors.New("connection refused"), ErrorContext{Attempt: 0})
	}
	assert.Len(t, e.Records(), 3)
}
