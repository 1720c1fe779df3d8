package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/khryptorgraphics/crawld/internal/cachestore"
	"github.com/khryptorgraphics/crawld/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cachestore.NewFromClient(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, Config{}, logger, opts...)
}

func newTask(url string, priority task.Priority, createdAt time.Time) *task.Task {
	tk := task.New(url, "twitter", nil)
	tk.Priority = priority
	tk.CreatedAt = createdAt
	return tk
}

func TestEnqueueDequeuePriorityFirst(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a := newTask("https://example.com/a", task.PriorityNormal, time.Unix(100, 0))
	b := newTask("https://example.com/b", task.PriorityHigh, time.Unix(200, 0))
	c := newTask("https://example.com/c", task.PriorityNormal, time.Unix(50, 0))

	require.NoError(t, q.Enqueue(ctx, a, 0))
	require.NoError(t, q.Enqueue(ctx, b, 0))
	require.NoError(t, q.Enqueue(ctx, c, 0))

	got1, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, b.ID, got1.ID, "HIGH priority must come first")

	got2, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, c.ID, got2.ID, "within NORMAL, older created_at wins")

	got3, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got3)
	assert.Equal(t, a.ID, got3.ID)

	assert.Equal(t, task.StatusProcessing, got1.Status)
	assert.Equal(t, "w1", got1.AssignedWorker)
}

func TestDequeueTimeoutReturnsNil(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.Dequeue(context.Background(), "w1", StrategyPriorityFirst, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnqueueDelayDelaysVisibility(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tk := newTask("https://example.com/delayed", task.PriorityNormal, time.Now())
	require.NoError(t, q.Enqueue(ctx, tk, 2*time.Hour))

	got, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "delayed task must not be visible before its scheduled time")
}

func TestFailWithRetrySchedulesBackoffAndReenqueues(t *testing.T) {
	q := newTestQueue(t)
	q.cfg.RetryBase = 1 * time.Millisecond
	ctx := context.Background()

	tk := newTask("https://example.com/retry", task.PriorityNormal, time.Now())
	tk.MaxRetries = 3
	require.NoError(t, q.Enqueue(ctx, tk, 0))

	got, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Fail(ctx, got.ID, "fetch timed out", true))

	time.Sleep(20 * time.Millisecond)
	retried, err := q.Dequeue(ctx, "w2", StrategyPriorityFirst, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, got.ID, retried.ID)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestFailExhaustedMovesToDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tk := newTask("https://example.com/doomed", task.PriorityNormal, time.Now())
	tk.MaxRetries = 0
	require.NoError(t, q.Enqueue(ctx, tk, 0))

	got, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Fail(ctx, got.ID, "unrecoverable", true))

	snapshot, err := q.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snapshot.DLQDepth)
}

func TestCompleteRemovesAssignment(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	tk := newTask("https://example.com/done", task.PriorityNormal, time.Now())
	require.NoError(t, q.Enqueue(ctx, tk, 0))

	got, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Complete(ctx, got.ID, &task.Result{ContentID: "content-1"}))

	n, err := q.store.HLen(ctx, q.assignmentsKey())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestHeartbeatSweepReassignsOrphanedTask(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := New(cachestore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger), Config{}, logger)
	q.cfg.HeartbeatTTL = 10 * time.Millisecond
	ctx := context.Background()

	tk := newTask("https://example.com/orphan", task.PriorityNormal, time.Now())
	require.NoError(t, q.Enqueue(ctx, tk, 0))

	got, err := q.Dequeue(ctx, "w1", StrategyPriorityFirst, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	mr.FastForward(30 * time.Millisecond) // let heartbeat key expire; miniredis TTLs only advance via FastForward

	require.NoError(t, q.RunHeartbeatSweep(ctx))

	retried, err := q.Dequeue(ctx, "w2", StrategyPriorityFirst, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, got.ID, retried.ID)
	assert.Equal(t, "w2", retried.AssignedWorker)
}

func TestBackoffSequence(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 2, 0, 60*time.Second))
	assert.Equal(t, 4*time.Second, Backoff(base, 2, 1, 60*time.Second))
	assert.Equal(t, 8*time.Second, Backoff(base, 2, 2, 60*time.Second))
	assert.Equal(t, 16*time.Second, Backoff(base, 2, 3, 60*time.Second))
	assert.Equal(t, 60*time.Second, Backoff(base, 2, 10, 60*time.Second), "capped at max")
}

func TestFairShareStrategyRestrictsToLowAndBatch(t *testing.T) {
	q := newTestQueue(t, WithFairShareFunc(func(workerID string) (int64, int64, int) {
		return 5, 4, 2 // worker holds more than its 1/N share
	}))
	ctx := context.Background()

	low := newTask("https://example.com/low", task.PriorityLow, time.Now())
	high := newTask("https://example.com/high", task.PriorityHigh, time.Now())
	require.NoError(t, q.Enqueue(ctx, low, 0))
	require.NoError(t, q.Enqueue(ctx, high, 0))

	got, err := q.Dequeue(ctx, "w1", StrategyFairShare, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, low.ID, got.ID, "fair-share must restrict an over-holding worker to LOW/BATCH")
}

func TestLeastConnectionsPrefersLowPriorityUnderHighLoad(t *testing.T) {
	q := newTestQueue(t, WithLoadFunc(func(workerID string) int { return 9 }))
	ctx := context.Background()

	low := newTask("https://example.com/low2", task.PriorityLow, time.Now())
	critical := newTask("https://example.com/crit", task.PriorityCritical, time.Now())
	require.NoError(t, q.Enqueue(ctx, low, 0))
	require.NoError(t, q.Enqueue(ctx, critical, 0))

	got, err := q.Dequeue(ctx, "w1", StrategyLeastConnections, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, low.ID, got.ID)
}
