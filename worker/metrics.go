package worker

import (
	"sync"
	"time"
)

// Metrics accumulates per-worker dispatch counters. Owned by the worker
// instance; nothing global.
type Metrics struct {
	mu            sync.Mutex
	processed     int
	succeeded     int
	failed        int
	totalDuration time.Duration
}

// MetricsSnapshot is a point-in-time copy of the worker's counters.
type MetricsSnapshot struct {
	Processed       int           `json:"processed"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	AverageDuration time.Duration `json:"averageDuration"`
}

func (m *Metrics) recordSuccess(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	m.succeeded++
	m.totalDuration += d
}

func (m *Metrics) recordFailure(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	m.failed++
	m.totalDuration += d
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Processed: m.processed,
		Succeeded: m.succeeded,
		Failed:    m.failed,
	}
	if m.processed > 0 {
		snap.AverageDuration = m.totalDuration / time.Duration(m.processed)
	}
	return snap
}
