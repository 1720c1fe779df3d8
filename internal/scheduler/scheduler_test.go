package scheduler

import (
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

func TestSelectWorkerLeastLoaded(t *testing.T) {
	s := New(Config{}, testLogger())
	s.RegisterWorker("w1", 10)
	s.RegisterWorker("w2", 10)
	require.NoError(t, s.RecordAssignment("w1"))
	require.NoError(t, s.RecordAssignment("w1"))

	picked, err := s.SelectWorker(PolicyLeastLoaded, task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "w2", picked.WorkerID)
}

func TestSelectWorkerNoneAvailable(t *testing.T) {
	s := New(Config{}, testLogger())
	_, err := s.SelectWorker(PolicyLeastLoaded, task.PriorityNormal)
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestSelectWorkerExcludesFailedAndOverloaded(t *testing.T) {
	s := New(Config{}, testLogger())
	s.RegisterWorker("failed", 5)
	s.RegisterWorker("overloaded", 1)
	s.RegisterWorker("healthy", 5)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCompletion("failed", false, time.Millisecond))
	}
	require.NoError(t, s.RecordAssignment("overloaded"))

	picked, err := s.SelectWorker(PolicyLeastLoaded, task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "healthy", picked.WorkerID)
}

func TestPerformanceScoreStaysInRange(t *testing.T) {
	s := New(Config{}, testLogger())
	s.RegisterWorker("w1", 5)

	for i := 0; i < 50; i++ {
		success := i%3 != 0
		require.NoError(t, s.RecordAssignment("w1"))
		require.NoError(t, s.RecordCompletion("w1", success, time.Duration(i+1)*time.Millisecond))
		w, ok := s.Worker("w1")
		require.True(t, ok)
		assert.GreaterOrEqual(t, w.Metrics.PerformanceScore, 0.1)
		assert.LessOrEqual(t, w.Metrics.PerformanceScore, 2.0)
	}
}

func TestConsecutiveFailuresTransitionsToFailed(t *testing.T) {
	s := New(Config{}, testLogger())
	s.RegisterWorker("w1", 5)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCompletion("w1", false, time.Millisecond))
	}
	w, ok := s.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, task.WorkerFailed, w.State)
}

func TestResetWorkerReturnsToIdle(t *testing.T) {
	s := New(Config{}, testLogger())
	s.RegisterWorker("w1", 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCompletion("w1", false, time.Millisecond))
	}
	require.NoError(t, s.ResetWorker("w1"))
	w, ok := s.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, task.WorkerIdle, w.State)
	assert.Equal(t, 0, w.Metrics.ConsecutiveFailures)
}

func TestStaleHeartbeatEventuallyMaintenance(t *testing.T) {
	s := New(Config{IdleTimeout: time.Millisecond, StaleStrikeLimit: 2}, testLogger())
	s.RegisterWorker("w1", 5)

	s.CheckStaleWorkers(time.Now().Add(time.Hour))
	s.CheckStaleWorkers(time.Now().Add(time.Hour))

	w, ok := s.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, task.WorkerMaintenance, w.State)
}

func TestRebalanceRecommendsOnVariance(t *testing.T) {
	s := New(Config{VarianceFactor: 0.1}, testLogger())
	s.RegisterWorker("w1", 10)
	s.RegisterWorker("w2", 10)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.RecordAssignment("w1"))
	}
	require.NoError(t, s.RecordAssignment("w2"))

	rec := s.Rebalance()
	assert.True(t, rec.ShouldRebalance)
}

func TestRebalanceScaleUpOnHighUtilization(t *testing.T) {
	s := New(Config{ScaleUpThreshold: 0.5}, testLogger())
	s.RegisterWorker("w1", 2)
	require.NoError(t, s.RecordAssignment("w1"))
	require.NoError(t, s.RecordAssignment("w1"))

	rec := s.Rebalance()
	assert.True(t, rec.ScaleUp)
}

func TestIntelligentPolicyPrefersHigherPerformance(t *testing.T) {
	s := New(Config{}, testLogger())
	s.RegisterWorker("slow", 10)
	s.RegisterWorker("fast", 10)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.RecordAssignment("slow"))
		require.NoError(t, s.RecordCompletion("slow", true, 20*time.Second))
		require.NoError(t, s.RecordAssignment("fast"))
		require.NoError(t, s.RecordCompletion("fast", true, 10*time.Millisecond))
	}

	picked, err := s.SelectWorker(PolicyIntelligent, task.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, "fast", picked.WorkerID)
}
