// Package optimizer implements the adaptive pool optimizer of
// SPEC_FULL.md §4.4: bounded snapshot history, a locked baseline, a
// weighted scaling-rule vote, and rebalance/cleanup extra actions. The
// optimizer only recommends; execution is external (§4.4 last line).
package optimizer

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Mode selects the decision threshold tau used when tallying rule
// votes.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeBalanced     Mode = "balanced"
	ModeAggressive   Mode = "aggressive"
)

func (m Mode) tau() float64 {
	if m == ModeConservative {
		return 0.6
	}
	return 0.4
}

// Config tunes the optimizer.
type Config struct {
	HistoryCap           int
	BaselineSampleCount  int
	RuleWindow           int
	Mode                 Mode
	MinWorkers           int
	MaxWorkers           int
	ScaleStep            int
	VarianceFactor       float64
	MemoryCleanupThresh  float64
	HistoryRetention     time.Duration
	Rules                []Rule
}

func (c Config) withDefaults() Config {
	if c.HistoryCap == 0 {
		c.HistoryCap = 1000
	}
	if c.BaselineSampleCount == 0 {
		c.BaselineSampleCount = 10
	}
	if c.RuleWindow == 0 {
		c.RuleWindow = 3
	}
	if c.Mode == "" {
		c.Mode = ModeBalanced
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 50
	}
	if c.ScaleStep == 0 {
		c.ScaleStep = 1
	}
	if c.VarianceFactor == 0 {
		c.VarianceFactor = 0.5
	}
	if c.MemoryCleanupThresh == 0 {
		c.MemoryCleanupThresh = 0.85
	}
	if c.HistoryRetention == 0 {
		c.HistoryRetention = 24 * time.Hour
	}
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}
	return c
}

// Rule is one scaling-rule row: (trigger, up_thr, down_thr,
// min_duration, cooldown, weight).
type Rule struct {
	Name         string
	Metric       Metric
	UpThreshold  float64
	DownThreshold float64
	MinDuration  time.Duration
	Cooldown     time.Duration
	Weight       float64

	lastVoteAt time.Time
	lastAction time.Time
}

// Metric extracts a scalar from a pool/system sample pair, used by
// rules to decide whether to vote up or down.
type Metric func(Sample) float64

// DefaultRules mirrors §4.4's worked example: CPU utilization and
// queue-depth pressure vote toward scale-up; idle utilization votes
// toward scale-down.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:          "cpu_utilization",
			Metric:        func(s Sample) float64 { return s.System.CPUPercent / 100.0 },
			UpThreshold:   0.75,
			DownThreshold: 0.2,
			Cooldown:      1 * time.Minute,
			Weight:        0.4,
		},
		{
			Name:          "pool_utilization",
			Metric:        func(s Sample) float64 { return s.Pool.Utilization },
			UpThreshold:   0.8,
			DownThreshold: 0.25,
			Cooldown:      1 * time.Minute,
			Weight:        0.4,
		},
		{
			Name:          "error_rate",
			Metric:        func(s Sample) float64 { return s.Pool.ErrorRate },
			UpThreshold:   0.1,
			DownThreshold: 0.0,
			Cooldown:      2 * time.Minute,
			Weight:        0.2,
		},
	}
}

// Sample is one recorded (system, pool) measurement pair.
type Sample struct {
	System SystemSnapshot
	Pool   PoolSnapshot
}

// Baseline is locked in after BaselineSampleCount samples; later
// decisions are judged relative to it.
type Baseline struct {
	AvgResponseMS float64 `json:"avg_response_ms"`
	Throughput    float64 `json:"throughput"`
	ErrorRate     float64 `json:"error_rate"`
	Utilization   float64 `json:"utilization"`
}

// Action is one recommendation the optimizer emits.
type Action struct {
	ActionType     string    `json:"action_type"`
	Target         int       `json:"target"`
	Reason         string    `json:"reason"`
	Confidence     float64   `json:"confidence"`
	EstimatedImpact string   `json:"estimated_impact"`
	At             time.Time `json:"at"`
}

// Optimizer accumulates samples and periodically votes on scaling
// actions.
type Optimizer struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	history       []Sample
	baseline      *Baseline
	currentTarget int
	lastScaleAt   time.Time
}

// New builds an Optimizer starting at currentWorkers capacity.
func New(cfg Config, currentWorkers int, logger *slog.Logger) *Optimizer {
	cfg = cfg.withDefaults()
	if cfg.MinWorkers == 0 {
		cfg.MinWorkers = 1
	}
	return &Optimizer{
		cfg:           cfg,
		logger:        logger,
		currentTarget: currentWorkers,
	}
}

// RecordSample appends a new (system, pool) sample, trims history to
// HistoryCap, and locks in the baseline once BaselineSampleCount
// samples have accumulated.
func (o *Optimizer) RecordSample(sys SystemSnapshot, pool PoolSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, Sample{System: sys, Pool: pool})
	if len(o.history) > o.cfg.HistoryCap {
		o.history = o.history[len(o.history)-o.cfg.HistoryCap:]
	}

	if o.baseline == nil && len(o.history) >= o.cfg.BaselineSampleCount {
		o.baseline = o.computeBaselineLocked()
		o.logger.Info("optimizer: baseline locked", "avg_response_ms", o.baseline.AvgResponseMS,
			"throughput", o.baseline.Throughput, "error_rate", o.baseline.ErrorRate, "utilization", o.baseline.Utilization)
	}
}

func (o *Optimizer) computeBaselineLocked() *Baseline {
	var b Baseline
	n := float64(len(o.history))
	for _, s := range o.history {
		b.AvgResponseMS += s.Pool.AvgResponseMS
		b.Throughput += s.Pool.Throughput
		b.ErrorRate += s.Pool.ErrorRate
		b.Utilization += s.Pool.Utilization
	}
	b.AvgResponseMS /= n
	b.Throughput /= n
	b.ErrorRate /= n
	b.Utilization /= n
	return &b
}

// Baseline returns the locked baseline, or nil if not yet locked.
func (o *Optimizer) Baseline() *Baseline {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.baseline == nil {
		return nil
	}
	cp := *o.baseline
	return &cp
}

// HistoryLen reports the current history length (test/inspection
// helper).
func (o *Optimizer) HistoryLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history)
}

// VarianceFunc reports worker-load variance and mean, supplied by the
// Scheduler — used for the rebalance extra action.
type VarianceFunc func() (variance, mean float64)

// Evaluate runs every rule over the last RuleWindow samples, tallies a
// weighted vote, and returns the scaling decision plus any extra
// actions (rebalance, memory cleanup). Returns no actions if fewer
// than RuleWindow samples have been recorded.
func (o *Optimizer) Evaluate(varianceFunc VarianceFunc) []Action {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.history) < o.cfg.RuleWindow {
		return nil
	}

	window := o.history[len(o.history)-o.cfg.RuleWindow:]
	var actions []Action
	now := time.Now()

	var upWeight, downWeight, totalWeight float64
	var upReasons, downReasons []string

	for i := range o.cfg.Rules {
		rule := &o.cfg.Rules[i]
		if !rule.lastAction.IsZero() && now.Sub(rule.lastAction) < rule.Cooldown {
			continue
		}
		avg := averageMetric(rule.Metric, window)
		totalWeight += rule.Weight
		if avg > rule.UpThreshold {
			upWeight += rule.Weight
			upReasons = append(upReasons, rule.Name)
		} else if avg < rule.DownThreshold && o.currentTarget > o.cfg.MinWorkers {
			downWeight += rule.Weight
			downReasons = append(downReasons, rule.Name)
		}
	}

	if totalWeight > 0 {
		upRatio := upWeight / totalWeight
		downRatio := downWeight / totalWeight
		tau := o.cfg.Mode.tau()

		cooldownOK := o.lastScaleAt.IsZero() || now.Sub(o.lastScaleAt) >= o.cfg.Rules[0].Cooldown

		if upRatio > tau && o.currentTarget < o.cfg.MaxWorkers && cooldownOK {
			target := o.currentTarget + o.cfg.ScaleStep
			if target > o.cfg.MaxWorkers {
				target = o.cfg.MaxWorkers
			}
			actions = append(actions, Action{
				ActionType:      "scale_up",
				Target:          target,
				Reason:          joinReasons(upReasons),
				Confidence:      upRatio,
				EstimatedImpact: "reduced queue backlog and latency",
				At:              now,
			})
			o.currentTarget = target
			o.lastScaleAt = now
			o.markRulesActed(upReasons, now)
		} else if downRatio > tau && cooldownOK {
			target := o.currentTarget - o.cfg.ScaleStep
			if target < o.cfg.MinWorkers {
				target = o.cfg.MinWorkers
			}
			actions = append(actions, Action{
				ActionType:      "scale_down",
				Target:          target,
				Reason:          joinReasons(downReasons),
				Confidence:      downRatio,
				EstimatedImpact: "reduced idle resource consumption",
				At:              now,
			})
			o.currentTarget = target
			o.lastScaleAt = now
			o.markRulesActed(downReasons, now)
		}
	}

	if varianceFunc != nil {
		if variance, mean := varianceFunc(); mean > 0 && variance > o.cfg.VarianceFactor*mean {
			actions = append(actions, Action{
				ActionType:      "rebalance",
				Reason:          "worker load variance exceeds threshold",
				Confidence:      variance / mean,
				EstimatedImpact: "more even task distribution",
				At:              now,
			})
		}
	}

	latest := window[len(window)-1].System.MemoryPercent / 100.0
	if latest > o.cfg.MemoryCleanupThresh {
		actions = append(actions, Action{
			ActionType:      "cleanup",
			Reason:          "memory usage above threshold",
			Confidence:      latest,
			EstimatedImpact: "freed memory via GC and history truncation",
			At:              now,
		})
		o.cleanupLocked(now)
	}

	return actions
}

func (o *Optimizer) markRulesActed(names []string, at time.Time) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	for i := range o.cfg.Rules {
		if _, ok := set[o.cfg.Rules[i].Name]; ok {
			o.cfg.Rules[i].lastAction = at
		}
	}
}

// cleanupLocked forces a GC and truncates history older than
// HistoryRetention. Caller must hold o.mu.
func (o *Optimizer) cleanupLocked(now time.Time) {
	runtime.GC()
	cutoff := now.Add(-o.cfg.HistoryRetention)
	kept := o.history[:0:0]
	for _, s := range o.history {
		if s.System.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	o.history = kept
}

func averageMetric(m Metric, window []Sample) float64 {
	if len(window) == 0 {
		return 0
	}
	var total float64
	for _, s := range window {
		total += m(s)
	}
	return total / float64(len(window))
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "no contributing rule"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += ", " + r
	}
	return out
}

// RunMonitoringLoop periodically collects a system snapshot via
// collectSystem and a pool snapshot via collectPool, records it, and
// evaluates scaling decisions — grounded on the teacher's
// background-collector-goroutine idiom.
func (o *Optimizer) RunMonitoringLoop(ctx context.Context, monitoringInterval, optimizationInterval time.Duration, collectSystem SystemCollector, collectPool func() (PoolSnapshot, error), varianceFunc VarianceFunc, onActions func([]Action)) {
	if collectSystem == nil {
		collectSystem = CollectSystemSnapshot
	}
	sampleTicker := time.NewTicker(monitoringInterval)
	evalTicker := time.NewTicker(optimizationInterval)
	defer sampleTicker.Stop()
	defer evalTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			sys, err := collectSystem(ctx)
			if err != nil {
				o.logger.Warn("optimizer: system snapshot failed", "error", err)
				continue
			}
			pool, err := collectPool()
			if err != nil {
				o.logger.Warn("optimizer: pool snapshot failed", "error", err)
				continue
			}
			o.RecordSample(sys, pool)
		case <-evalTicker.C:
			actions := o.Evaluate(varianceFunc)
			if len(actions) > 0 && onActions != nil {
				onActions(actions)
			}
		}
	}
}
