package cache

import (
	"sync/atomic"
	"time"
)

// Metrics tracks cache performance for health reporting.
type Metrics struct {
	hits       atomic.Int64
	misses     atomic.Int64
	errors     atomic.Int64
	latencySum atomic.Int64 // nanoseconds
	operations atomic.Int64
}

func (m *Metrics) recordHit(latency time.Duration) {
	m.hits.Add(1)
	m.latencySum.Add(int64(latency))
	m.operations.Add(1)
}

func (m *Metrics) recordMiss(latency time.Duration) {
	m.misses.Add(1)
	m.latencySum.Add(int64(latency))
	m.operations.Add(1)
}

func (m *Metrics) recordError() {
	m.errors.Add(1)
}

// Snapshot is a point-in-time view of cache metrics.
type Snapshot struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Errors     int64         `json:"errors"`
	HitRatio   float64       `json:"hitRatio"`
	AvgLatency time.Duration `json:"avgLatency"`
}

// Snapshot returns current counter values.
func (m *Metrics) Snapshot() Snapshot {
	hits := m.hits.Load()
	misses := m.misses.Load()
	ops := m.operations.Load()

	s := Snapshot{
		Hits:   hits,
		Misses: misses,
		Errors: m.errors.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRatio = float64(hits) / float64(total)
	}
	if ops > 0 {
		s.AvgLatency = time.Duration(m.latencySum.Load() / ops)
	}
	return s
}
