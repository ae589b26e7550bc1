// Package network provides the connectivity, bandwidth-limiting, and
// congestion-control primitives shared by the repository client and
// the fetcher.
package network

import (
	"sync"
	"time"
)

// Congestion implements an AIMD (additive increase, multiplicative
// decrease) controller that scales per-host fetch concurrency based on
// observed transfer outcomes, the way TCP scales its window.
type Congestion struct {
	mu         sync.Mutex
	hosts      map[string]*hostStats
	minWorkers int
	maxWorkers int
}

type hostStats struct {
	smoothedRTT  time.Duration
	concurrency  int
	successCount int
	errorCount   int
}

// NewCongestion builds a controller that keeps per-host concurrency
// between min and max, starting new hosts at min (slow start).
func NewCongestion(min, max int) *Congestion {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &Congestion{
		hosts:      make(map[string]*hostStats),
		minWorkers: min,
		maxWorkers: max,
	}
}

// RecordOutcome registers the result of one completed part download
// against a host, feeding the next GetIdealConcurrency call.
func (c *Congestion) RecordOutcome(host string, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.hosts[host]
	if !ok {
		stats = &hostStats{concurrency: c.minWorkers, smoothedRTT: latency}
		c.hosts[host] = stats
	}

	const alpha = 0.125
	stats.smoothedRTT = time.Duration((1-alpha)*float64(stats.smoothedRTT) + alpha*float64(latency))

	if err != nil {
		stats.errorCount++
	} else {
		stats.successCount++
	}
}

// GetIdealConcurrency returns the current target worker count for
// host, applying multiplicative decrease on any recorded error and
// additive increase once enough successes accumulate.
func (c *Congestion) GetIdealConcurrency(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.hosts[host]
	if !ok {
		return c.minWorkers
	}

	if stats.errorCount > 0 {
		stats.concurrency = max(1, stats.concurrency/2)
		stats.errorCount = 0
		return stats.concurrency
	}

	if stats.successCount > stats.concurrency {
		if stats.concurrency < c.maxWorkers {
			stats.concurrency++
		}
		stats.successCount = 0
	}

	return stats.concurrency
}

// SeedConcurrency overrides every future new host's slow-start value,
// typically fed by a one-time throughput probe at startup.
func (c *Congestion) SeedConcurrency(workers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if workers < c.minWorkers {
		workers = c.minWorkers
	}
	if workers > c.maxWorkers {
		workers = c.maxWorkers
	}
	c.minWorkers = workers
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
