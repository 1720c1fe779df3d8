// Package workerpool implements the Worker Manager of SPEC_FULL.md
// §4.5: one fetch loop per worker running dequeue → fetch → dedup →
// sink → ack, an idle-wake hook external submitters can trigger, and
// heartbeat refresh on every iteration plus a bounded timer.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khryptorgraphics/crawld/internal/collab"
	"github.com/khryptorgraphics/crawld/internal/dedup"
	"github.com/khryptorgraphics/crawld/internal/queue"
	"github.com/khryptorgraphics/crawld/internal/recovery"
	"github.com/khryptorgraphics/crawld/internal/scheduler"
	"github.com/khryptorgraphics/crawld/internal/task"
)

// Config tunes every loop in the pool.
type Config struct {
	PollTimeout      time.Duration
	TaskTimeout      time.Duration
	HeartbeatTimer   time.Duration
	Strategy         queue.Strategy
}

func (c Config) withDefaults() Config {
	if c.PollTimeout == 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.HeartbeatTimer == 0 {
		c.HeartbeatTimer = 30 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = queue.StrategyPriorityFirst
	}
	return c
}

// Pool owns one fetch loop per registered worker.
type Pool struct {
	cfg       Config
	q         *queue.Queue
	sched     *scheduler.Scheduler
	dedup     *dedup.Engine
	recovery  *recovery.Engine
	fetcher   collab.Fetcher
	sink      collab.StorageSink
	logger    *slog.Logger

	mu     sync.Mutex
	idle   map[string]*idleSignal
	wg     sync.WaitGroup
}

// idleSignal lets an external caller wake a specific idle loop
// instead of waiting for its next poll — the Immediate-check hook.
type idleSignal struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newIdleSignal() *idleSignal {
	s := &idleSignal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *idleSignal) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// New builds a Pool. fetcher/sink are the external §6 collaborators;
// dedupEngine/recoveryEngine/sched/q are the internal components the
// loop wires together.
func New(cfg Config, q *queue.Queue, sched *scheduler.Scheduler, dedupEngine *dedup.Engine, recoveryEngine *recovery.Engine, fetcher collab.Fetcher, sink collab.StorageSink, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		q:        q,
		sched:    sched,
		dedup:    dedupEngine,
		recovery: recoveryEngine,
		fetcher:  fetcher,
		sink:     sink,
		logger:   logger,
		idle:     make(map[string]*idleSignal),
	}
}

// TriggerCheck wakes workerID's loop immediately if it is currently
// idle, instead of waiting for the next poll tick.
func (p *Pool) TriggerCheck(workerID string) {
	p.mu.Lock()
	sig, ok := p.idle[workerID]
	p.mu.Unlock()
	if ok {
		sig.wake()
	}
}

// TriggerCheckAll wakes every idle loop — the `idle_workers ->
// trigger_check` hook's broadcast form.
func (p *Pool) TriggerCheckAll() {
	p.mu.Lock()
	signals := make([]*idleSignal, 0, len(p.idle))
	for _, sig := range p.idle {
		signals = append(signals, sig)
	}
	p.mu.Unlock()
	for _, sig := range signals {
		sig.wake()
	}
}

// StartWorker registers workerID with the Scheduler and launches its
// fetch loop as a background goroutine. The loop exits when ctx is
// cancelled.
func (p *Pool) StartWorker(ctx context.Context, workerID string, capacity int) {
	p.sched.RegisterWorker(workerID, capacity)

	sig := newIdleSignal()
	p.mu.Lock()
	p.idle[workerID] = sig
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runLoop(ctx, workerID, sig)
}

// Wait blocks until every loop launched via StartWorker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, workerID string, sig *idleSignal) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.idle, workerID)
		p.mu.Unlock()
		p.sched.Unregister(workerID)
	}()

	heartbeatTicker := time.NewTicker(p.cfg.HeartbeatTimer)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := p.q.RefreshHeartbeat(ctx, workerID); err != nil {
				p.logger.Warn("workerpool: heartbeat refresh failed", "worker", workerID, "error", err)
			}
			if err := p.sched.Heartbeat(workerID, time.Now()); err != nil {
				p.logger.Warn("workerpool: scheduler heartbeat failed", "worker", workerID, "error", err)
			}
		default:
		}

		t, err := p.q.Dequeue(ctx, workerID, p.cfg.Strategy, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("workerpool: dequeue failed", "worker", workerID, "error", err)
			continue
		}
		if err := p.q.RefreshHeartbeat(ctx, workerID); err != nil {
			p.logger.Warn("workerpool: heartbeat refresh failed", "worker", workerID, "error", err)
		}
		if t == nil {
			// Nothing due; wait for the next poll tick or an
			// immediate-check wake, whichever comes first.
			p.waitIdle(ctx, sig)
			continue
		}

		p.sched.RecordAssignment(workerID)
		p.processTask(ctx, workerID, t)
	}
}

func (p *Pool) waitIdle(ctx context.Context, sig *idleSignal) {
	done := make(chan struct{})
	go func() {
		sig.mu.Lock()
		sig.cond.Wait()
		sig.mu.Unlock()
		close(done)
	}()
	select {
	case <-ctx.Done():
		sig.wake()
	case <-time.After(p.cfg.PollTimeout):
		sig.wake()
	case <-done:
	}
	<-done
}

func (p *Pool) processTask(ctx context.Context, workerID string, t *task.Task) {
	start := time.Now()

	creatorURL := ""
	if t.Payload != nil {
		if v, ok := t.Payload["creator_url"].(string); ok {
			creatorURL = v
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	content, fetchErr := p.fetcher.Fetch(fetchCtx, collab.FetchRequest{
		URL:      t.URL,
		Platform: t.Platform,
		Options:  t.Payload,
	})

	if fetchErr != nil {
		p.handleFailure(ctx, workerID, t, fetchErr, time.Since(start), creatorURL)
		return
	}
	p.recovery.RecordSuccess(t.URL, t.Platform)

	verdict := p.dedup.CheckDuplicate(ctx, t.ID, t.URL, content.Body, content.Title, t.Platform, creatorURL)
	if verdict.IsDuplicate {
		p.sched.RecordCompletion(workerID, true, time.Since(start))
		if err := p.q.Complete(ctx, t.ID, &task.Result{Duplicate: true, DuplicateOf: verdict.MatchedID, CompletedAt: time.Now()}); err != nil {
			p.logger.Error("workerpool: complete (duplicate) failed", "task", t.ID, "error", err)
		}
		p.releaseClaim(ctx, t.ID, t.Platform, creatorURL)
		return
	}

	id, storeErr := p.sink.Store(ctx, collab.StoredContent{
		URL:         t.URL,
		Title:       content.Title,
		Platform:    t.Platform,
		Author:      content.Author,
		ContentText: content.Body,
		PublishTime: content.PublishTime,
		ContentHash: dedup.ContentHash(content.Title, content.Body),
	})
	if storeErr != nil {
		p.handleFailure(ctx, workerID, t, fmt.Errorf("storage sink: %w", storeErr), time.Since(start), creatorURL)
		return
	}

	p.sched.RecordCompletion(workerID, true, time.Since(start))
	if err := p.q.Complete(ctx, t.ID, &task.Result{ContentID: id, Duplicate: false, CompletedAt: time.Now()}); err != nil {
		p.logger.Error("workerpool: complete failed", "task", t.ID, "error", err)
	}
	p.releaseClaim(ctx, t.ID, t.Platform, creatorURL)
}

// releaseClaim drops the task's task-level dedup claim once it has
// reached a terminal status, per SPEC_FULL.md §9's resolution of the
// claim-release open question.
func (p *Pool) releaseClaim(ctx context.Context, taskID, platform, creatorURL string) {
	if err := p.dedup.Release(ctx, taskID, platform, creatorURL); err != nil {
		p.logger.Warn("workerpool: release task claim failed", "task", taskID, "error", err)
	}
}

func (p *Pool) handleFailure(ctx context.Context, workerID string, t *task.Task, cause error, elapsed time.Duration, creatorURL string) {
	p.sched.RecordCompletion(workerID, false, elapsed)

	var responseStatus int
	var statusErr *collab.HTTPStatusError
	if errors.As(cause, &statusErr) {
		responseStatus = statusErr.StatusCode
	}

	shouldRetry, action, strategy := p.recovery.HandleError(t.ID, cause, recovery.ErrorContext{
		URL:            t.URL,
		Platform:       t.Platform,
		ResponseStatus: responseStatus,
		Attempt:        t.RetryCount,
		WorkerID:       workerID,
	})
	// The strategy outcome recorded is shouldRetry: a strategy counts as
	// successful only when it leads to a retry; fallback, escalate and
	// skip verdicts count as unsuccessful.
	p.recovery.Metrics().RecordOutcome(strategy, shouldRetry)

	if err := p.q.Fail(ctx, t.ID, cause.Error(), shouldRetry); err != nil {
		p.logger.Error("workerpool: fail failed", "task", t.ID, "error", err)
	}
	// queue.Fail marks the task FAILED when no retry is wanted or its
	// retry budget is spent; both are terminal, so the claim goes.
	if !shouldRetry || t.RetryCount >= t.MaxRetries {
		p.releaseClaim(ctx, t.ID, t.Platform, creatorURL)
	}
	p.logger.Info("workerpool: task failed", "task", t.ID, "should_retry", shouldRetry, "action", action)
}
