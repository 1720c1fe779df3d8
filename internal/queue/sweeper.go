package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/khryptorgraphics/crawld/internal/cachestore"
	"github.com/khryptorgraphics/crawld/internal/task"
	"github.com/redis/go-redis/v9"
)

// RunHeartbeatSweep identifies workers whose heartbeat key has expired,
// reassigns each of their in-flight tasks by re-enqueueing with status
// PENDING, and removes their registry entry (§4.1 Heartbeats).
func (q *Queue) RunHeartbeatSweep(ctx context.Context) error {
	workers, err := q.store.HGetAll(ctx, q.workersKey())
	if err != nil {
		return fmt.Errorf("queue: sweep list workers: %w", err)
	}

	for workerID := range workers {
		_, err := q.store.Get(ctx, q.heartbeatKey(workerID))
		if err == nil {
			continue // heartbeat still live
		}
		if !errors.Is(err, cachestore.ErrNotFound) {
			q.logger.Warn("queue: sweep heartbeat check failed", "worker", workerID, "error", err)
			continue
		}
		if err := q.evictWorker(ctx, workerID); err != nil {
			q.logger.Error("queue: failed evicting worker", "worker", workerID, "error", err)
		}
	}
	return nil
}

// evictWorker reassigns every task assigned to workerID and removes its
// registry entry.
func (q *Queue) evictWorker(ctx context.Context, workerID string) error {
	assignments, err := q.store.HGetAll(ctx, q.assignmentsKey())
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}

	for taskID, raw := range assignments {
		var a task.Assignment
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			q.logger.Warn("queue: corrupt assignment entry", "task_id", taskID, "error", err)
			continue
		}
		if a.WorkerID != workerID {
			continue
		}
		if err := q.reassign(ctx, taskID); err != nil {
			q.logger.Error("queue: failed reassigning orphaned task", "task_id", taskID, "error", err)
		}
	}

	if err := q.store.HDel(ctx, q.workersKey(), workerID); err != nil {
		return fmt.Errorf("remove worker registration: %w", err)
	}
	q.pushMetricEvent(ctx, "worker_evicted", workerID)
	return nil
}

// reassign sets a task back to PENDING and re-inserts it into its
// priority bucket, releasing its stale assignment.
func (q *Queue) reassign(ctx context.Context, taskID string) error {
	t, err := q.loadStatus(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	t.Status = task.StatusPending
	t.AssignedWorker = ""
	t.ScheduledFor = nil

	statusPayload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal status %s: %w", taskID, err)
	}
	entryPayload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", taskID, err)
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
		return fmt.Errorf("reassign %s: %w", taskID, err)
	}
	q.pushMetricEvent(ctx, "reassigned", taskID)
	return nil
}

// StartHeartbeatSweeper runs RunHeartbeatSweep on interval until ctx is
// canceled. Grounded on the teacher's background-loop-with-ticker idiom
// (pkg/scheduler's Start/Stop pattern).
func (q *Queue) StartHeartbeatSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.RunHeartbeatSweep(ctx); err != nil {
					q.logger.Error("queue: heartbeat sweep failed", "error", err)
				}
			}
		}
	}()
}
