// Package scheduler implements SPEC_FULL.md §4.3: worker registration,
// selection policies, rolling performance scoring and rebalance
// recommendations. Worker Records and Assignments are owned here, per
// §3's ownership table.
package scheduler

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/khryptorgraphics/crawld/internal/task"
)

// Policy selects how SelectWorker picks among eligible workers.
type Policy string

const (
	PolicyLeastLoaded      Policy = "least-loaded"
	PolicyPerformanceBased Policy = "performance-based"
	PolicyRoundRobin       Policy = "round-robin"
	PolicyIntelligent      Policy = "intelligent"
)

// ErrNoWorkerAvailable is returned by SelectWorker when no eligible
// worker exists; callers leave the task in its source queue.
var ErrNoWorkerAvailable = errors.New("scheduler: no worker available")

// ErrUnknownWorker is returned by per-worker operations on an
// unregistered worker id.
var ErrUnknownWorker = errors.New("scheduler: unknown worker")

// Config tunes scheduling thresholds.
type Config struct {
	IdleTimeout        time.Duration
	RebalanceInterval  time.Duration
	StaleStrikeLimit   int
	VarianceFactor     float64
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.RebalanceInterval == 0 {
		c.RebalanceInterval = 30 * time.Second
	}
	if c.StaleStrikeLimit == 0 {
		c.StaleStrikeLimit = 3
	}
	if c.VarianceFactor == 0 {
		c.VarianceFactor = 0.5
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = 0.8
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = 0.2
	}
	return c
}

// workerState bundles the public WorkerRecord with scheduling-internal
// bookkeeping that isn't part of the §3 data model (stale-heartbeat
// strike count).
type workerState struct {
	record       task.WorkerRecord
	staleStrikes int
}

// Scheduler owns live WorkerRecords and picks a worker for each task
// needing assignment.
type Scheduler struct {
	mu      sync.RWMutex
	workers map[string]*workerState
	rrIndex int

	cfg    Config
	logger *slog.Logger
}

// New builds a Scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		workers: make(map[string]*workerState),
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// RegisterWorker adds (or re-registers) a worker with the given
// capacity, starting IDLE.
func (s *Scheduler) RegisterWorker(workerID string, capacity int) task.WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	ws := &workerState{record: task.WorkerRecord{
		WorkerID:      workerID,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Capacity:      capacity,
		State:         task.WorkerIdle,
		Metrics:       task.WorkerMetrics{PerformanceScore: 1.0},
	}}
	s.workers[workerID] = ws
	return ws.record
}

// Unregister removes a worker entirely (operator eviction, graceful
// shutdown).
func (s *Scheduler) Unregister(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
}

// Heartbeat refreshes a worker's last-heartbeat time.
func (s *Scheduler) Heartbeat(workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	ws.record.LastHeartbeat = at
	ws.staleStrikes = 0
	return nil
}

// Worker returns a copy of a worker's current record.
func (s *Scheduler) Worker(workerID string) (task.WorkerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workers[workerID]
	if !ok {
		return task.WorkerRecord{}, false
	}
	return ws.record, true
}

// Workers returns a snapshot of every registered worker.
func (s *Scheduler) Workers() []task.WorkerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.WorkerRecord, 0, len(s.workers))
	for _, ws := range s.workers {
		out = append(out, ws.record)
	}
	return out
}

// ResetWorker clears a FAILED worker's failure count and returns it to
// IDLE, per the operator/health-check reset transition in §4.3.
func (s *Scheduler) ResetWorker(workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	ws.record.Metrics.ConsecutiveFailures = 0
	ws.record.CurrentLoad = 0
	ws.staleStrikes = 0
	ws.record.State = deriveState(0, ws.record.Capacity, 0, ws.staleStrikes, s.cfg.StaleStrikeLimit)
	return nil
}

// RecordAssignment increments a worker's load when a task is handed to
// it, transitioning IDLE->BUSY or BUSY->OVERLOADED as needed.
func (s *Scheduler) RecordAssignment(workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	ws.record.CurrentLoad++
	ws.record.State = deriveState(ws.record.CurrentLoad, ws.record.Capacity, ws.record.Metrics.ConsecutiveFailures, ws.staleStrikes, s.cfg.StaleStrikeLimit)
	return nil
}

// RecordCompletion updates a worker's rolling metrics and performance
// score after a task finishes, per §4.3's weighted formula.
func (s *Scheduler) RecordCompletion(workerID string, success bool, processingTime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	m := &ws.record.Metrics
	m.TotalTasks++
	if success {
		m.SuccessfulTasks++
		m.ConsecutiveFailures = 0
	} else {
		m.FailedTasks++
		m.ConsecutiveFailures++
	}

	n := float64(m.TotalTasks)
	m.AverageProcessingMS = ((m.AverageProcessingMS * (n - 1)) + float64(processingTime.Milliseconds())) / n

	if ws.record.CurrentLoad > 0 {
		ws.record.CurrentLoad--
	}

	m.PerformanceScore = computePerformanceScore(*m, ws.record.CurrentLoad, ws.record.Capacity)
	ws.record.State = deriveState(ws.record.CurrentLoad, ws.record.Capacity, m.ConsecutiveFailures, ws.staleStrikes, s.cfg.StaleStrikeLimit)
	return nil
}

// computePerformanceScore implements §4.3's weighted composite:
// success-rate (0.5) + speed (0.3) + load headroom (0.2), damped by a
// consecutive-failure penalty, clamped to [0.1, 2.0].
func computePerformanceScore(m task.WorkerMetrics, load, capacity int) float64 {
	successRate := 1.0
	if m.TotalTasks > 0 {
		successRate = float64(m.SuccessfulTasks) / float64(m.TotalTasks)
	}

	speed := 2.0
	if m.AverageProcessingMS > 0 {
		avgSeconds := m.AverageProcessingMS / 1000.0
		speed = math.Min(10.0/avgSeconds, 2.0)
	}

	loadFactor := 1.0
	if capacity > 0 {
		loadFactor = 1.0 - float64(load)/float64(capacity)
	}

	base := successRate*0.5 + speed*0.3 + loadFactor*0.2
	penalty := math.Max(0, 1.0-0.1*float64(m.ConsecutiveFailures))
	score := base * penalty

	if score < 0.1 {
		return 0.1
	}
	if score > 2.0 {
		return 2.0
	}
	return score
}

// deriveState is a pure function of load, consecutive failures and
// heartbeat freshness (§3 invariant): any -> FAILED at 5 consecutive
// failures; repeated stale heartbeats -> MAINTENANCE; otherwise load
// drives IDLE/BUSY/OVERLOADED.
func deriveState(load, capacity, consecutiveFailures, staleStrikes, staleStrikeLimit int) task.WorkerState {
	if consecutiveFailures >= 5 {
		return task.WorkerFailed
	}
	if staleStrikeLimit > 0 && staleStrikes >= staleStrikeLimit {
		return task.WorkerMaintenance
	}
	if capacity > 0 && load >= capacity {
		return task.WorkerOverloaded
	}
	if load > 0 {
		return task.WorkerBusy
	}
	return task.WorkerIdle
}

// CheckStaleWorkers logs a warning on a worker whose heartbeat is
// older than IdleTimeout, and demotes it to MAINTENANCE after
// StaleStrikeLimit consecutive stale checks.
func (s *Scheduler) CheckStaleWorkers(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ws := range s.workers {
		if now.Sub(ws.record.LastHeartbeat) <= s.cfg.IdleTimeout {
			continue
		}
		ws.staleStrikes++
		s.logger.Warn("scheduler: stale worker heartbeat", "worker", id, "strikes", ws.staleStrikes)
		ws.record.State = deriveState(ws.record.CurrentLoad, ws.record.Capacity, ws.record.Metrics.ConsecutiveFailures, ws.staleStrikes, s.cfg.StaleStrikeLimit)
	}
}

// priorityWeight normalizes a priority to [0,1], CRITICAL highest.
func priorityWeight(p task.Priority) float64 {
	switch p {
	case task.PriorityCritical:
		return 1.0
	case task.PriorityHigh:
		return 0.75
	case task.PriorityNormal:
		return 0.5
	case task.PriorityLow:
		return 0.25
	default:
		return 0.0
	}
}

// eligible reports whether a worker can currently accept work.
func eligible(w task.WorkerRecord) bool {
	switch w.State {
	case task.WorkerFailed, task.WorkerMaintenance:
		return false
	}
	return w.Capacity == 0 || w.CurrentLoad < w.Capacity
}

// SelectWorker picks a worker for a task of the given priority under
// the active policy. Returns ErrNoWorkerAvailable if none qualify.
func (s *Scheduler) SelectWorker(policy Policy, priority task.Priority) (task.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*workerState
	for _, ws := range s.workers {
		if eligible(ws.record) {
			candidates = append(candidates, ws)
		}
	}
	if len(candidates) == 0 {
		return task.WorkerRecord{}, ErrNoWorkerAvailable
	}

	switch policy {
	case PolicyLeastLoaded:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.record.CurrentLoad < best.record.CurrentLoad {
				best = c
			}
		}
		return best.record, nil

	case PolicyPerformanceBased:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.record.Metrics.PerformanceScore > best.record.Metrics.PerformanceScore {
				best = c
			}
		}
		return best.record, nil

	case PolicyRoundRobin:
		idx := s.rrIndex % len(candidates)
		s.rrIndex++
		return candidates[idx].record, nil

	default: // intelligent
		pw := priorityWeight(priority)
		best := candidates[0]
		bestScore := intelligentScore(best.record, pw)
		for _, c := range candidates[1:] {
			sc := intelligentScore(c.record, pw)
			if sc > bestScore {
				best = c
				bestScore = sc
			}
		}
		return best.record, nil
	}
}

// intelligentScore implements the default policy's composite:
// 0.4·perf + 0.3·(1 − load/cap) + 0.2·priority_weight + 0.1·success_rate,
// multiplied by 1 − min(consec_failures·0.1, 0.5).
func intelligentScore(w task.WorkerRecord, priorityWeight float64) float64 {
	loadHeadroom := 1.0
	if w.Capacity > 0 {
		loadHeadroom = 1.0 - float64(w.CurrentLoad)/float64(w.Capacity)
	}
	successRate := 1.0
	if w.Metrics.TotalTasks > 0 {
		successRate = float64(w.Metrics.SuccessfulTasks) / float64(w.Metrics.TotalTasks)
	}
	base := 0.4*w.Metrics.PerformanceScore + 0.3*loadHeadroom + 0.2*priorityWeight + 0.1*successRate
	penalty := 1.0 - math.Min(float64(w.Metrics.ConsecutiveFailures)*0.1, 0.5)
	return base * penalty
}

// RebalanceRecommendation is the §4.3 rebalance trigger's output. The
// scheduler only recommends; §4.4's optimizer executes scaling.
type RebalanceRecommendation struct {
	ShouldRebalance bool    `json:"should_rebalance"`
	Reason          string  `json:"reason,omitempty"`
	Utilization     float64 `json:"utilization"`
	ScaleUp         bool    `json:"scale_up"`
	ScaleDown       bool    `json:"scale_down"`
}

// Rebalance evaluates load variance across workers and pool
// utilization, returning a recommendation for the caller to act on.
func (s *Scheduler) Rebalance() RebalanceRecommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.workers) == 0 {
		return RebalanceRecommendation{}
	}

	var loads []float64
	var totalLoad, totalCapacity float64
	for _, ws := range s.workers {
		loads = append(loads, float64(ws.record.CurrentLoad))
		totalLoad += float64(ws.record.CurrentLoad)
		totalCapacity += float64(ws.record.Capacity)
	}

	mean := totalLoad / float64(len(loads))
	var variance float64
	for _, l := range loads {
		variance += (l - mean) * (l - mean)
	}
	variance /= float64(len(loads))

	utilization := 0.0
	if totalCapacity > 0 {
		utilization = totalLoad / totalCapacity
	}

	rec := RebalanceRecommendation{Utilization: utilization}
	if variance > s.cfg.VarianceFactor*mean {
		rec.ShouldRebalance = true
		rec.Reason = "worker load variance exceeds threshold"
	}
	if utilization > s.cfg.ScaleUpThreshold {
		rec.ScaleUp = true
	} else if utilization < s.cfg.ScaleDownThreshold {
		rec.ScaleDown = true
	}
	return rec
}
