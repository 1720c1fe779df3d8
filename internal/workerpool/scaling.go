package workerpool

import (
	"context"
	"fmt"
	"sync"
)

// ScalingManager adds named-worker start/stop bookkeeping on top of
// Pool's per-worker contexts, so the optimizer's scale_up/scale_down
// actions can add or remove workers at runtime instead of only the
// fixed set started at boot.
type ScalingManager struct {
	pool     *Pool
	capacity int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	next    int
}

// NewScalingManager wraps pool; capacity is used for every worker
// started via ScaleUp.
func NewScalingManager(pool *Pool, capacity int) *ScalingManager {
	return &ScalingManager{pool: pool, capacity: capacity, cancels: make(map[string]context.CancelFunc)}
}

// StartInitial launches n workers named worker-0..worker-{n-1} bound
// to parent's lifetime.
func (sm *ScalingManager) StartInitial(parent context.Context, n int) {
	for i := 0; i < n; i++ {
		sm.ScaleUp(parent)
	}
}

// ScaleUp starts one additional worker, returning its ID.
func (sm *ScalingManager) ScaleUp(parent context.Context) string {
	sm.mu.Lock()
	id := fmt.Sprintf("worker-%d", sm.next)
	sm.next++
	ctx, cancel := context.WithCancel(parent)
	sm.cancels[id] = cancel
	sm.mu.Unlock()

	sm.pool.StartWorker(ctx, id, sm.capacity)
	return id
}

// ScaleDown stops one running worker (arbitrary selection — the
// optimizer's action only specifies a count, not which worker), and
// reports whether one was actually running.
func (sm *ScalingManager) ScaleDown() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, cancel := range sm.cancels {
		cancel()
		delete(sm.cancels, id)
		return true
	}
	return false
}

// Count returns the number of workers currently tracked as running.
func (sm *ScalingManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.cancels)
}
