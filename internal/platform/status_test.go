package platform

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/khryptorgraphics/crawld/internal/cachestore"
	"github.com/khryptorgraphics/crawld/internal/queue"
	"github.com/khryptorgraphics/crawld/internal/scheduler"
	"github.com/khryptorgraphics/crawld/internal/task"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(t *testing.T) (*Monitor, *queue.Queue, *scheduler.Scheduler) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cachestore.NewFromClient(client, testLogger())
	q := queue.New(store, queue.Config{}, testLogger())
	sched := scheduler.New(scheduler.Config{}, testLogger())
	return New(store, q, sched, Thresholds{}), q, sched
}

func TestStatusReportsDepthsAndCacheConnected(t *testing.T) {
	m, q, _ := newTestMonitor(t)
	ctx := context.Background()

	tk := task.New("https://example.com/a", "news", nil)
	require.NoError(t, q.Enqueue(ctx, tk, 0))

	report, err := m.Status(ctx)
	require.NoError(t, err)
	require.True(t, report.CacheConnected)
	require.Equal(t, int64(1), report.Depths["NORMAL"])
}

func TestHealthHealthyWithNoWorkers(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	report, err := m.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, HealthHealthy, report.Verdict)
	require.InDelta(t, 1.0, report.Score, 0.001)
}

func TestHealthDegradesOnWorkerFailures(t *testing.T) {
	m, _, sched := newTestMonitor(t)
	sched.RegisterWorker("w1", 5)
	sched.RegisterWorker("w2", 5)
	for i := 0; i < 5; i++ {
		require.NoError(t, sched.RecordCompletion("w1", false, time.Millisecond))
	}

	report, err := m.Health(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 0.5, report.WorkerFailRatio, 0.001)
	require.NotEqual(t, HealthHealthy, report.Verdict)
}

func TestHealthUnhealthyWhenCacheDisconnected(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cachestore.NewFromClient(client, testLogger())
	q := queue.New(store, queue.Config{}, testLogger())
	sched := scheduler.New(scheduler.Config{}, testLogger())
	m := New(store, q, sched, Thresholds{})

	mr.Close()

	report, err := m.Health(context.Background())
	require.NoError(t, err)
	require.False(t, report.CacheConnected)
	require.Equal(t, HealthUnhealthy, report.Verdict)
}
