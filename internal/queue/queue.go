// Package queue implements the priority-partitioned, Redis-backed task
// queue of SPEC_FULL.md §4.1: five sorted-set buckets keyed by
// priority, atomic enqueue+status writes, seven scheduling strategies,
// retry back-off, a dead-letter list and worker heartbeat tracking.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/khryptorgraphics/crawld/internal/cachestore"
	"github.com/khryptorgraphics/crawld/internal/task"
	"github.com/redis/go-redis/v9"
)

// Strategy selects how Dequeue picks among the priority buckets.
type Strategy string

const (
	StrategyPriorityFirst    Strategy = "priority-first"
	StrategyFIFO             Strategy = "fifo"
	StrategyLIFO             Strategy = "lifo"
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyWeightedRoundRobin Strategy = "weighted-round-robin"
	StrategyLeastConnections Strategy = "least-connections"
	StrategyFairShare        Strategy = "fair-share"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("queue: not found")

// LoadFunc reports a worker's current load, used by the
// least-connections strategy. The Scheduler supplies this at wiring
// time since Worker Records are its property (§3).
type LoadFunc func(workerID string) int

// FairShareFunc reports how many tasks workerID currently holds, the
// total in-flight across the pool, and the worker count — used by the
// fair-share strategy.
type FairShareFunc func(workerID string) (held, totalProcessing int64, workerCount int)

// Config tunes queue behavior. Zero values are filled by withDefaults.
type Config struct {
	Prefix          string
	DeadLetterTTL   time.Duration
	RetryBase       time.Duration
	RetryFactor     float64
	RetryMaxDelay   time.Duration
	HeartbeatTTL    time.Duration
	DueScanBatch    int64
	StrategyWeights map[task.Priority]float64
	MetricsCap      int64
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "crawl_queue"
	}
	if c.DeadLetterTTL == 0 {
		c.DeadLetterTTL = 7 * 24 * time.Hour
	}
	if c.RetryBase == 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryFactor == 0 {
		c.RetryFactor = 2.0
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.HeartbeatTTL == 0 {
		c.HeartbeatTTL = 60 * time.Second
	}
	if c.DueScanBatch == 0 {
		c.DueScanBatch = 20
	}
	if c.MetricsCap == 0 {
		c.MetricsCap = 1000
	}
	if c.StrategyWeights == nil {
		c.StrategyWeights = map[task.Priority]float64{
			task.PriorityCritical: 0.4,
			task.PriorityHigh:     0.3,
			task.PriorityNormal:   0.2,
			task.PriorityLow:      0.07,
			task.PriorityBatch:    0.03,
		}
	}
	return c
}

// Queue is the Redis-backed multi-priority task queue.
type Queue struct {
	store  *cachestore.Store
	cfg    Config
	logger *slog.Logger

	loadFunc      LoadFunc
	fairShareFunc FairShareFunc

	rrMu    sync.Mutex
	rrIndex int
	rng     *rand.Rand
	rngMu   sync.Mutex
}

// Option configures optional Queue collaborators.
type Option func(*Queue)

// WithLoadFunc wires a worker-load lookup for the least-connections
// strategy.
func WithLoadFunc(fn LoadFunc) Option {
	return func(q *Queue) { q.loadFunc = fn }
}

// WithFairShareFunc wires a per-worker share lookup for the fair-share
// strategy.
func WithFairShareFunc(fn FairShareFunc) Option {
	return func(q *Queue) { q.fairShareFunc = fn }
}

// New builds a Queue over an existing cache store connection.
func New(store *cachestore.Store, cfg Config, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		rng:    rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// --- key schema (§6) -----------------------------------------------------

func (q *Queue) bucketKey(p task.Priority) string {
	name := map[task.Priority]string{
		task.PriorityCritical: "critical",
		task.PriorityHigh:     "high",
		task.PriorityNormal:   "normal",
		task.PriorityLow:      "low",
		task.PriorityBatch:    "batch",
	}[p]
	return fmt.Sprintf("%s:%s", q.cfg.Prefix, name)
}

func (q *Queue) deadLetterKey() string  { return q.cfg.Prefix + ":dead_letter" }
func (q *Queue) taskStatusKey() string  { return q.cfg.Prefix + ":task_status" }
func (q *Queue) assignmentsKey() string { return q.cfg.Prefix + ":assignments" }
func (q *Queue) workersKey() string     { return q.cfg.Prefix + ":workers" }
func (q *Queue) metricsKey() string     { return q.cfg.Prefix + ":metrics" }
func (q *Queue) heartbeatKey(workerID string) string {
	return fmt.Sprintf("%s:worker:%s:heartbeat", q.cfg.Prefix, workerID)
}

// --- Enqueue ---------------------------------------------------------------

// Enqueue places task into the sorted set for its priority bucket and
// atomically writes its status entry. If delay > 0 the task is made
// non-visible until now+delay.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task, delay time.Duration) error {
	if delay > 0 {
		scheduled := time.Now().Add(delay)
		t.ScheduledFor = &scheduled
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: marshal task %s: %w", t.ID, err)
	}
	statusPayload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: marshal status %s: %w", t.ID, err)
	}

	score := q.scoreFor(t)
	bucket := q.bucketKey(t.Priority)

	err = q.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, bucket, redis.Z{Score: score, Member: string(payload)})
		pipe.HSet(ctx, q.taskStatusKey(), t.ID, string(statusPayload))
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", t.ID, err)
	}
	q.pushMetricEvent(ctx, "enqueued", t.ID)
	return nil
}

// scoreFor uses the scheduled-for time (when set, for delayed/retried
// tasks) or the creation time as the time component of the score, so
// due-filtering and FIFO ordering both key off the same field.
func (q *Queue) scoreFor(t *task.Task) float64 {
	createdAt := t.CreatedAt
	if t.ScheduledFor != nil {
		createdAt = *t.ScheduledFor
	}
	return t.Priority.Score(createdAt, t.RetryCount)
}

// --- Dequeue -----------------------------------------------------------

// Dequeue returns at most one due task, assigns it to workerID and
// marks it PROCESSING. Blocks by polling up to timeout; returns
// (nil, nil) if nothing became available in time.
func (q *Queue) Dequeue(ctx context.Context, workerID string, strategy Strategy, timeout time.Duration) (*task.Task, error) {
	if strategy == "" {
		strategy = StrategyPriorityFirst
	}
	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond

	for {
		t, err := q.tryDequeueOnce(ctx, workerID, strategy)
		if err != nil {
			q.logger.Warn("queue: dequeue attempt failed", "error", err)
		} else if t != nil {
			return t, nil
		}

		if timeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) tryDequeueOnce(ctx context.Context, workerID string, strategy Strategy) (*task.Task, error) {
	var t *task.Task
	var err error

	switch strategy {
	case StrategyFIFO:
		t, err = q.popGlobalExtreme(ctx, true)
	case StrategyLIFO:
		t, err = q.popGlobalExtreme(ctx, false)
	default:
		order := q.bucketOrder(strategy, workerID)
		for _, p := range order {
			t, err = q.popDueFromBucket(ctx, q.bucketKey(p))
			if err != nil {
				return nil, err
			}
			if t != nil {
				break
			}
		}
	}
	if err != nil || t == nil {
		return nil, err
	}
	if err := q.finalizeAssignment(ctx, t, workerID); err != nil {
		return nil, err
	}
	return t, nil
}

// bucketOrder returns the scan order for strategies that pick a fixed
// priority order rather than comparing across buckets directly.
func (q *Queue) bucketOrder(strategy Strategy, workerID string) []task.Priority {
	switch strategy {
	case StrategyRoundRobin:
		buckets := task.Buckets()
		q.rrMu.Lock()
		start := q.rrIndex % len(buckets)
		q.rrIndex++
		q.rrMu.Unlock()
		return rotate(buckets, start)

	case StrategyWeightedRoundRobin:
		return q.weightedOrder()

	case StrategyLeastConnections:
		if q.loadFunc != nil && q.loadFunc(workerID) > 5 {
			return []task.Priority{task.PriorityLow, task.PriorityBatch, task.PriorityNormal, task.PriorityHigh, task.PriorityCritical}
		}
		return task.Buckets()

	case StrategyFairShare:
		if q.fairShareFunc != nil {
			held, total, workers := q.fairShareFunc(workerID)
			if workers > 0 && total > 0 && held > total/int64(workers) {
				return []task.Priority{task.PriorityLow, task.PriorityBatch}
			}
		}
		return task.Buckets()

	default: // priority-first
		return task.Buckets()
	}
}

func rotate(buckets []task.Priority, start int) []task.Priority {
	out := make([]task.Priority, len(buckets))
	for i := range buckets {
		out[i] = buckets[(start+i)%len(buckets)]
	}
	return out
}

// weightedOrder samples buckets without replacement, weighted by
// cfg.StrategyWeights, producing a full scan order biased toward
// heavier buckets but still falling through to every bucket.
func (q *Queue) weightedOrder() []task.Priority {
	buckets := append([]task.Priority(nil), task.Buckets()...)
	weights := make([]float64, len(buckets))
	for i, p := range buckets {
		w := q.cfg.StrategyWeights[p]
		if w <= 0 {
			w = 0.01
		}
		weights[i] = w
	}

	out := make([]task.Priority, 0, len(buckets))
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	for len(buckets) > 0 {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		r := q.rng.Float64() * total
		idx := 0
		acc := weights[0]
		for acc < r && idx < len(weights)-1 {
			idx++
			acc += weights[idx]
		}
		out = append(out, buckets[idx])
		buckets = append(buckets[:idx], buckets[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return out
}

// finalizeAssignment marks t PROCESSING, records the assignment and
// worker registration, and refreshes the worker's heartbeat.
func (q *Queue) finalizeAssignment(ctx context.Context, t *task.Task, workerID string) error {
	t.Status = task.StatusProcessing
	t.AssignedWorker = workerID

	statusPayload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: marshal status %s: %w", t.ID, err)
	}
	assignment := task.Assignment{
		TaskID:     t.ID,
		WorkerID:   workerID,
		AssignedAt: time.Now(),
		Priority:   t.Priority,
	}
	assignmentPayload, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("queue: marshal assignment %s: %w", t.ID, err)
	}

	err = q.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.taskStatusKey(), t.ID, string(statusPayload))
		pipe.HSet(ctx, q.assignmentsKey(), t.ID, string(assignmentPayload))
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: finalize assignment %s: %w", t.ID, err)
	}

	if err := q.store.Set(ctx, q.heartbeatKey(workerID), time.Now().Format(time.RFC3339), q.cfg.HeartbeatTTL); err != nil {
		q.logger.Warn("queue: failed refreshing heartbeat", "worker", workerID, "error", err)
	}
	if err := q.store.HSet(ctx, q.workersKey(), workerID, time.Now().Format(time.RFC3339)); err != nil {
		q.logger.Warn("queue: failed registering worker", "worker", workerID, "error", err)
	}
	q.pushMetricEvent(ctx, "assigned", t.ID)
	return nil
}

// RefreshHeartbeat re-registers a worker's heartbeat key with a fresh
// TTL and timestamp. Worker loops call this on every iteration and on
// a separate timer, per §4.5's "heartbeat ≤ 30 s" requirement.
func (q *Queue) RefreshHeartbeat(ctx context.Context, workerID string) error {
	if err := q.store.Set(ctx, q.heartbeatKey(workerID), time.Now().Format(time.RFC3339), q.cfg.HeartbeatTTL); err != nil {
		return fmt.Errorf("queue: refresh heartbeat %s: %w", workerID, err)
	}
	if err := q.store.HSet(ctx, q.workersKey(), workerID, time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("queue: refresh worker registration %s: %w", workerID, err)
	}
	return nil
}

// popDueFromBucket scans the oldest DueScanBatch members of a bucket
// (ascending score order) and removes the first whose ScheduledFor has
// arrived, or nil if none are due yet.
func (q *Queue) popDueFromBucket(ctx context.Context, bucketKey string) (*task.Task, error) {
	members, err := q.store.ZRange(ctx, bucketKey, 0, q.cfg.DueScanBatch-1)
	if err != nil {
		return nil, fmt.Errorf("queue: scan bucket %s: %w", bucketKey, err)
	}
	now := time.Now()
	for _, member := range members {
		var t task.Task
		if err := json.Unmarshal([]byte(member), &t); err != nil {
			// Corrupt payload: move directly to DLQ, never re-enqueue (§4.1).
			q.logger.Error("queue: corrupt queue entry moved to dead letter", "error", err)
			_ = q.store.ZRem(ctx, bucketKey, member)
			q.deadLetter(ctx, member)
			continue
		}
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			continue
		}
		removed, err := q.claimMember(ctx, bucketKey, member)
		if err != nil {
			return nil, err
		}
		if removed {
			return &t, nil
		}
		// Lost the race to another dequeuer; try the next candidate.
	}
	return nil, nil
}

// claimMember removes member from bucketKey, returning false if it was
// already gone (another worker claimed it first).
func (q *Queue) claimMember(ctx context.Context, bucketKey, member string) (bool, error) {
	n, err := q.store.Raw().ZRem(ctx, bucketKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("queue: claim member from %s: %w", bucketKey, err)
	}
	return n > 0, nil
}

// popGlobalExtreme compares the oldest (or newest) due candidate across
// every bucket and claims the global winner, implementing the FIFO and
// LIFO strategies.
func (q *Queue) popGlobalExtreme(ctx context.Context, oldest bool) (*task.Task, error) {
	now := time.Now()
	type candidate struct {
		bucketKey string
		member    string
		t         task.Task
	}
	var best *candidate

	for _, p := range task.Buckets() {
		bucketKey := q.bucketKey(p)
		members, err := q.store.ZRange(ctx, bucketKey, 0, q.cfg.DueScanBatch-1)
		if err != nil {
			return nil, fmt.Errorf("queue: scan bucket %s: %w", bucketKey, err)
		}
		for _, member := range members {
			var t task.Task
			if err := json.Unmarshal([]byte(member), &t); err != nil {
				q.logger.Error("queue: corrupt queue entry moved to dead letter", "error", err)
				_ = q.store.ZRem(ctx, bucketKey, member)
				q.deadLetter(ctx, member)
				continue
			}
			if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
				continue
			}
			c := candidate{bucketKey: bucketKey, member: member, t: t}
			if best == nil {
				best = &c
				continue
			}
			if oldest && t.CreatedAt.Before(best.t.CreatedAt) {
				best = &c
			}
			if !oldest && t.CreatedAt.After(best.t.CreatedAt) {
				best = &c
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	removed, err := q.claimMember(ctx, best.bucketKey, best.member)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, nil
	}
	return &best.t, nil
}

// deadLetter pushes a raw snapshot to the dead-letter list with its TTL.
func (q *Queue) deadLetter(ctx context.Context, snapshot string) {
	if err := q.store.LPush(ctx, q.deadLetterKey(), snapshot); err != nil {
		q.logger.Error("queue: failed pushing to dead letter", "error", err)
		return
	}
	if err := q.store.Expire(ctx, q.deadLetterKey(), q.cfg.DeadLetterTTL); err != nil {
		q.logger.Warn("queue: failed setting dead letter ttl", "error", err)
	}
}

// --- Complete / Fail -----------------------------------------------------

// Complete removes t's assignment and writes a COMPLETED status.
func (q *Queue) Complete(ctx context.Context, taskID string, result *task.Result) error {
	t, err := q.loadStatus(ctx, taskID)
	if err != nil {
		return err
	}
	t.Status = task.StatusCompleted
	t.Result = result

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: marshal status %s: %w", taskID, err)
	}
	err = q.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.taskStatusKey(), taskID, string(payload))
		pipe.HDel(ctx, q.assignmentsKey(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", taskID, err)
	}
	q.pushMetricEvent(ctx, "completed", taskID)
	return nil
}

// Fail records errMsg against t. When retry is true and retries remain,
// it schedules a delayed re-enqueue with exponential back-off;
// otherwise it moves the task to the dead-letter list and marks it
// FAILED terminally.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string, retry bool) error {
	t, err := q.loadStatus(ctx, taskID)
	if err != nil {
		return err
	}
	t.LastError = errMsg

	if retry && t.RetryCount < t.MaxRetries {
		delay := Backoff(q.cfg.RetryBase, q.cfg.RetryFactor, t.RetryCount, q.cfg.RetryMaxDelay)
		t.RetryCount++
		t.Status = task.StatusRetrying
		scheduled := time.Now().Add(delay)
		t.ScheduledFor = &scheduled

		statusPayload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("queue: marshal status %s: %w", taskID, err)
		}
		entryPayload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("queue: marshal entry %s: %w", taskID, err)
		}
		score := q.scoreFor(t)
		bucket := q.bucketKey(t.Priority)

		err = q.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.taskStatusKey(), taskID, string(statusPayload))
			pipe.HDel(ctx, q.assignmentsKey(), taskID)
			pipe.ZAdd(ctx, bucket, redis.Z{Score: score, Member: string(entryPayload)})
			return nil
		})
		if err != nil {
			return fmt.Errorf("queue: retry %s: %w", taskID, err)
		}
		q.pushMetricEvent(ctx, "retrying", taskID)
		return nil
	}

	t.Status = task.StatusFailed
	statusPayload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: marshal status %s: %w", taskID, err)
	}
	err = q.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.taskStatusKey(), taskID, string(statusPayload))
		pipe.HDel(ctx, q.assignmentsKey(), taskID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", taskID, err)
	}
	q.deadLetter(ctx, string(statusPayload))
	q.pushMetricEvent(ctx, "failed", taskID)
	return nil
}

func (q *Queue) loadStatus(ctx context.Context, taskID string) (*task.Task, error) {
	raw, err := q.store.HGet(ctx, q.taskStatusKey(), taskID)
	if err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			return nil, fmt.Errorf("queue: task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("queue: load status %s: %w", taskID, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("queue: decode status %s: %w", taskID, err)
	}
	return &t, nil
}

// --- Status ----------------------------------------------------------------

// Snapshot is the §4.1 status() result: per-bucket depths, DLQ depth
// and a recent metrics tail.
type Snapshot struct {
	Depths   map[string]int64 `json:"depths"`
	DLQDepth int64            `json:"dlq_depth"`
	Metrics  []string         `json:"metrics"`
}

// Status reports queue depths, dead-letter depth and recent metrics.
func (q *Queue) Status(ctx context.Context) (Snapshot, error) {
	depths := make(map[string]int64, len(task.Buckets()))
	for _, p := range task.Buckets() {
		n, err := q.store.ZCard(ctx, q.bucketKey(p))
		if err != nil {
			return Snapshot{}, fmt.Errorf("queue: status depth %s: %w", p, err)
		}
		depths[string(p)] = n
	}
	dlqDepth, err := q.store.LLen(ctx, q.deadLetterKey())
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue: status dlq depth: %w", err)
	}
	metrics, err := q.store.Raw().LRange(ctx, q.metricsKey(), 0, 19).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue: status metrics: %w", err)
	}
	return Snapshot{Depths: depths, DLQDepth: dlqDepth, Metrics: metrics}, nil
}

// AssignmentsCount reports the number of in-flight assignments — the
// operational surface's "assignments size" field (§6).
func (q *Queue) AssignmentsCount(ctx context.Context) (int64, error) {
	n, err := q.store.HLen(ctx, q.assignmentsKey())
	if err != nil {
		return 0, fmt.Errorf("queue: assignments count: %w", err)
	}
	return n, nil
}

// WorkerRegistrySize reports the number of workers registered in the
// queue's worker hash — the operational surface's "worker registry
// size" field (§6).
func (q *Queue) WorkerRegistrySize(ctx context.Context) (int64, error) {
	n, err := q.store.HLen(ctx, q.workersKey())
	if err != nil {
		return 0, fmt.Errorf("queue: worker registry size: %w", err)
	}
	return n, nil
}

func (q *Queue) pushMetricEvent(ctx context.Context, event, taskID string) {
	record := map[string]string{"event": event, "task_id": taskID, "at": time.Now().Format(time.RFC3339)}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := q.store.LPush(ctx, q.metricsKey(), string(payload)); err != nil {
		q.logger.Warn("queue: failed pushing metrics event", "error", err)
		return
	}
	if err := q.store.LTrim(ctx, q.metricsKey(), 0, q.cfg.MetricsCap-1); err != nil {
		q.logger.Warn("queue: failed trimming metrics list", "error", err)
	}
}
