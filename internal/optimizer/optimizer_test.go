package optimizer

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sample(cpuPct, poolUtil, errRate float64) Sample {
	return Sample{
		System: SystemSnapshot{Timestamp: time.Now(), CPUPercent: cpuPct},
		Pool: PoolSnapshot{
			Timestamp:     time.Now(),
			AvgResponseMS: 100,
			Throughput:    10,
			ErrorRate:     errRate,
			Utilization:   poolUtil,
		},
	}
}

func TestBaselineLocksInAfterConfiguredSampleCount(t *testing.T) {
	o := New(Config{BaselineSampleCount: 3}, 2, testLogger())

	o.RecordSample(sample(10, 0.1, 0).System, sample(10, 0.1, 0).Pool)
	assert.Nil(t, o.Baseline())
	o.RecordSample(sample(10, 0.1, 0).System, sample(10, 0.1, 0).Pool)
	assert.Nil(t, o.Baseline())
	o.RecordSample(sample(10, 0.1, 0).System, sample(10, 0.1, 0).Pool)

	b := o.Baseline()
	require := assert.New(t)
	require.NotNil(b)
	require.InDelta(0.1, b.Utilization, 0.001)
}

func TestHistoryCapTrimsOldSamples(t *testing.T) {
	o := New(Config{HistoryCap: 5}, 1, testLogger())
	for i := 0; i < 10; i++ {
		o.RecordSample(sample(10, 0.1, 0).System, sample(10, 0.1, 0).Pool)
	}
	assert.Equal(t, 5, o.HistoryLen())
}

func TestEvaluateScalesUpOnHighUtilization(t *testing.T) {
	o := New(Config{RuleWindow: 3, Mode: ModeBalanced, MaxWorkers: 10}, 2, testLogger())
	for i := 0; i < 3; i++ {
		o.RecordSample(sample(90, 0.9, 0).System, sample(90, 0.9, 0).Pool)
	}

	actions := o.Evaluate(nil)
	var sawScaleUp bool
	for _, a := range actions {
		if a.ActionType == "scale_up" {
			sawScaleUp = true
			assert.Equal(t, 3, a.Target)
		}
	}
	assert.True(t, sawScaleUp, "expected a scale_up action, got %+v", actions)
}

func TestEvaluateScalesDownOnLowUtilization(t *testing.T) {
	o := New(Config{RuleWindow: 3, Mode: ModeBalanced, MinWorkers: 1}, 5, testLogger())
	for i := 0; i < 3; i++ {
		o.RecordSample(sample(5, 0.05, 0).System, sample(5, 0.05, 0).Pool)
	}

	actions := o.Evaluate(nil)
	var sawScaleDown bool
	for _, a := range actions {
		if a.ActionType == "scale_down" {
			sawScaleDown = true
			assert.Equal(t, 4, a.Target)
		}
	}
	assert.True(t, sawScaleDown, "expected a scale_down action, got %+v", actions)
}

func TestEvaluateConservativeModeRequiresHigherConsensus(t *testing.T) {
	cfg := Config{
		RuleWindow: 3,
		Mode:       ModeConservative,
		MaxWorkers: 10,
		Rules: []Rule{
			{Name: "cpu", Metric: func(s Sample) float64 { return s.System.CPUPercent / 100 }, UpThreshold: 0.7, Weight: 0.5, Cooldown: time.Minute},
			{Name: "pool", Metric: func(s Sample) float64 { return s.Pool.Utilization }, UpThreshold: 0.99, Weight: 0.5, Cooldown: time.Minute},
		},
	}
	o := New(cfg, 2, testLogger())
	for i := 0; i < 3; i++ {
		o.RecordSample(sample(90, 0.5, 0).System, sample(90, 0.5, 0).Pool)
	}

	actions := o.Evaluate(nil)
	for _, a := range actions {
		assert.NotEqual(t, "scale_up", a.ActionType, "only one of two equally-weighted rules voted up; conservative tau=0.6 should block")
	}
}

func TestEvaluateHonorsCooldown(t *testing.T) {
	o := New(Config{RuleWindow: 3, Mode: ModeBalanced, MaxWorkers: 10}, 2, testLogger())
	for i := 0; i < 3; i++ {
		o.RecordSample(sample(95, 0.95, 0).System, sample(95, 0.95, 0).Pool)
	}
	first := o.Evaluate(nil)
	assert.NotEmpty(t, first)

	o.RecordSample(sample(95, 0.95, 0).System, sample(95, 0.95, 0).Pool)
	second := o.Evaluate(nil)
	for _, a := range second {
		assert.NotEqual(t, "scale_up", a.ActionType, "cooldown should suppress back-to-back scale actions")
	}
}

func TestEvaluateRebalanceOnHighVariance(t *testing.T) {
	o := New(Config{RuleWindow: 1, VarianceFactor: 0.1}, 2, testLogger())
	o.RecordSample(sample(10, 0.1, 0).System, sample(10, 0.1, 0).Pool)

	actions := o.Evaluate(func() (variance, mean float64) { return 10, 5 })
	var sawRebalance bool
	for _, a := range actions {
		if a.ActionType == "rebalance" {
			sawRebalance = true
		}
	}
	assert.True(t, sawRebalance, "expected a rebalance action, got %+v", actions)
}

func TestEvaluateCleanupOnHighMemory(t *testing.T) {
	o := New(Config{RuleWindow: 1, MemoryCleanupThresh: 0.5}, 2, testLogger())
	s := sample(10, 0.1, 0)
	s.System.MemoryPercent = 90
	o.RecordSample(s.System, s.Pool)

	actions := o.Evaluate(nil)
	var sawCleanup bool
	for _, a := range actions {
		if a.ActionType == "cleanup" {
			sawCleanup = true
		}
	}
	assert.True(t, sawCleanup, "expected a cleanup action, got %+v", actions)
}

func TestEvaluateNoActionsBelowRuleWindow(t *testing.T) {
	o := New(Config{RuleWindow: 3}, 2, testLogger())
	o.RecordSample(sample(99, 0.99, 0).System, sample(99, 0.99, 0).Pool)

	actions := o.Evaluate(nil)
	assert.Empty(t, actions)
}
