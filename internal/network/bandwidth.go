package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Priority levels understood by the bandwidth limiter. A task with no
// priority recorded through SetTaskPriority counts as PriorityNormal;
// nothing in the engine calls SetTaskPriority, and only PriorityLow
// changes how Wait behaves.
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
)

// Limiter enforces an optional global byte-rate ceiling shared across
// every in-flight fetch, with zero overhead when disabled.
type Limiter struct {
	global       *rate.Limiter
	enabled      atomic.Bool
	mu           sync.RWMutex
	taskPriority map[string]int
}

// NewLimiter returns a limiter with no cap; call SetLimit to enable
// one.
func NewLimiter() *Limiter {
	return &Limiter{
		global:       rate.NewLimiter(rate.Inf, 0),
		taskPriority: make(map[string]int),
	}
}

// SetLimit sets the global limit in bytes per second. A value <= 0
// disables limiting entirely.
func (l *Limiter) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		l.enabled.Store(false)
		l.global.SetLimit(rate.Inf)
		return
	}
	l.enabled.Store(true)
	l.global.SetLimit(rate.Limit(bytesPerSec))
	l.global.SetBurst(bytesPerSec)
}

// SetTaskPriority records the priority a given fetch part belongs to,
// consulted the next time Wait is called for that task.
func (l *Limiter) SetTaskPriority(taskID string, priority int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.taskPriority[taskID] = priority
}

// Wait blocks until n bytes may be consumed under the global limit,
// returning immediately if limiting is disabled. Low-priority tasks
// absorb a small additional delay so high-priority transfers recover
// headroom sooner after a burst.
func (l *Limiter) Wait(ctx context.Context, taskID string, n int) error {
	if !l.enabled.Load() {
		return nil
	}

	l.mu.RLock()
	priority, ok := l.taskPriority[taskID]
	l.mu.RUnlock()
	if !ok {
		priority = PriorityNormal
	}

	if err := l.global.WaitN(ctx, n); err != nil {
		return err
	}

	if priority == PriorityLow {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
