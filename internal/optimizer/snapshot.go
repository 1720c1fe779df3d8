package optimizer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// SystemSnapshot is one §4.4 system measurement: CPU, memory, disk,
// network counters, thread count and GC pause.
type SystemSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	NetBytesSent  uint64    `json:"net_bytes_sent"`
	NetBytesRecv  uint64    `json:"net_bytes_recv"`
	NumGoroutine  int       `json:"num_goroutine"`
	LastGCPauseMS float64   `json:"last_gc_pause_ms"`
}

// PoolSnapshot is one §4.4 worker-pool measurement.
type PoolSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	WorkersActive   int       `json:"workers_active"`
	WorkersIdle     int       `json:"workers_idle"`
	WorkersTotal    int       `json:"workers_total"`
	QueueDepth      int64     `json:"queue_depth"`
	Throughput      float64   `json:"throughput"`
	ErrorRate       float64   `json:"error_rate"`
	AvgResponseMS   float64   `json:"avg_response_ms"`
	Utilization     float64   `json:"utilization"`
}

// SystemCollector produces a system snapshot.
type SystemCollector func(ctx context.Context) (SystemSnapshot, error)

// CollectSystemSnapshot gathers CPU/memory/disk/network/goroutine/GC
// stats via gopsutil and the Go runtime — the default SystemCollector.
func CollectSystemSnapshot(ctx context.Context) (SystemSnapshot, error) {
	snap := SystemSnapshot{Timestamp: time.Now()}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("optimizer: cpu percent: %w", err)
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("optimizer: virtual memory: %w", err)
	}
	snap.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return snap, fmt.Errorf("optimizer: disk usage: %w", err)
	}
	snap.DiskPercent = du.UsedPercent

	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return snap, fmt.Errorf("optimizer: net counters: %w", err)
	}
	if len(counters) > 0 {
		snap.NetBytesSent = counters[0].BytesSent
		snap.NetBytesRecv = counters[0].BytesRecv
	}

	snap.NumGoroutine = runtime.NumGoroutine()
	var gc runtime.MemStats
	runtime.ReadMemStats(&gc)
	if gc.NumGC > 0 {
		snap.LastGCPauseMS = float64(gc.PauseNs[(gc.NumGC+255)%256]) / 1e6
	}
	return snap, nil
}
