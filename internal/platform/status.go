// Package platform implements the composition root's operational
// surface (§6): a Status report of queue/worker state and a Health
// score/verdict derived from worker-failure ratio, queue backlog and
// utilization, plus an optional HTTP router exposing both.
package platform

import (
	"context"
	"time"

	"github.com/khryptorgraphics/crawld/internal/cachestore"
	"github.com/khryptorgraphics/crawld/internal/queue"
	"github.com/khryptorgraphics/crawld/internal/scheduler"
	"github.com/khryptorgraphics/crawld/internal/task"
)

// Thresholds tunes the health-score computation.
type Thresholds struct {
	BacklogWarn     int64
	UtilizationWarn float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.BacklogWarn == 0 {
		t.BacklogWarn = 100
	}
	if t.UtilizationWarn == 0 {
		t.UtilizationWarn = 0.9
	}
	return t
}

// Monitor reports Status/Health by reading the queue, scheduler and
// cache store.
type Monitor struct {
	store *cachestore.Store
	q     *queue.Queue
	sched *scheduler.Scheduler
	thr   Thresholds
}

// New builds a Monitor over the given subsystems.
func New(store *cachestore.Store, q *queue.Queue, sched *scheduler.Scheduler, thr Thresholds) *Monitor {
	return &Monitor{store: store, q: q, sched: sched, thr: thr.withDefaults()}
}

// StatusReport is the §6 status() response.
type StatusReport struct {
	Depths          map[string]int64 `json:"depths"`
	DLQDepth        int64            `json:"dlq_depth"`
	Metrics         []string         `json:"metrics"`
	WorkerRegistry  int64            `json:"worker_registry_size"`
	Assignments     int64            `json:"assignments_size"`
	CacheConnected  bool             `json:"cache_connected"`
	At              time.Time        `json:"at"`
}

// Status assembles the operational status report.
func (m *Monitor) Status(ctx context.Context) (StatusReport, error) {
	snap, err := m.q.Status(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	workers, werr := m.q.WorkerRegistrySize(ctx)
	if werr != nil {
		return StatusReport{}, werr
	}
	assignments, aerr := m.q.AssignmentsCount(ctx)
	if aerr != nil {
		return StatusReport{}, aerr
	}
	cacheConnected := m.store.Ping(ctx) == nil

	return StatusReport{
		Depths:         snap.Depths,
		DLQDepth:       snap.DLQDepth,
		Metrics:        snap.Metrics,
		WorkerRegistry: workers,
		Assignments:    assignments,
		CacheConnected: cacheConnected,
		At:             time.Now(),
	}, nil
}

// HealthVerdict is the §6 {healthy, degraded, unhealthy} classification.
type HealthVerdict string

const (
	HealthHealthy   HealthVerdict = "healthy"
	HealthDegraded  HealthVerdict = "degraded"
	HealthUnhealthy HealthVerdict = "unhealthy"
)

// HealthReport is the §6 health() response.
type HealthReport struct {
	Score           float64       `json:"score"`
	Verdict         HealthVerdict `json:"verdict"`
	WorkerFailRatio float64       `json:"worker_fail_ratio"`
	Backlog         int64         `json:"backlog"`
	Utilization     float64       `json:"utilization"`
	CacheConnected  bool          `json:"cache_connected"`
}

// Health computes a 0-1 score from worker-failure ratio, queue
// backlog, and utilization, and maps it to a verdict (§6).
func (m *Monitor) Health(ctx context.Context) (HealthReport, error) {
	cacheConnected := m.store.Ping(ctx) == nil

	// A disconnected cache store means depths are unknowable, not
	// zero; treat it as its own health signal below rather than
	// failing the whole health check.
	var snap queue.Snapshot
	if cacheConnected {
		s, err := m.q.Status(ctx)
		if err != nil {
			return HealthReport{}, err
		}
		snap = s
	}

	workers := m.sched.Workers()
	var failed, totalCapacity, totalLoad int
	for _, w := range workers {
		if w.State == task.WorkerFailed {
			failed++
		}
		totalCapacity += w.Capacity
		totalLoad += w.CurrentLoad
	}

	var failRatio float64
	if len(workers) > 0 {
		failRatio = float64(failed) / float64(len(workers))
	}

	var backlog int64
	for _, n := range snap.Depths {
		backlog += n
	}

	var utilization float64
	if totalCapacity > 0 {
		utilization = float64(totalLoad) / float64(totalCapacity)
	}

	score := 1.0
	score -= failRatio * 0.5
	if backlog > m.thr.BacklogWarn {
		score -= 0.3
	}
	if utilization > m.thr.UtilizationWarn {
		score -= 0.2
	}
	if !cacheConnected {
		score -= 0.5
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	verdict := HealthHealthy
	switch {
	case score < 0.5 || !cacheConnected:
		verdict = HealthUnhealthy
	case score < 0.85:
		verdict = HealthDegraded
	}

	return HealthReport{
		Score:           score,
		Verdict:         verdict,
		WorkerFailRatio: failRatio,
		Backlog:         backlog,
		Utilization:     utilization,
		CacheConnected:  cacheConnected,
	}, nil
}
