package postgres

import (
	"sync/atomic"
	"time"
)

// Metrics tracks query counters for observability.
type Metrics struct {
	queries    atomic.Int64
	errors     atomic.Int64
	latencySum atomic.Int64
}

func (m *Metrics) recordQuery(latency time.Duration) {
	m.queries.Add(1)
	m.latencySum.Add(int64(latency))
}

func (m *Metrics) recordError() {
	m.errors.Add(1)
}

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	Queries    int64         `json:"queries"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avgLatency"`
}

func (m *Metrics) Snapshot() Snapshot {
	queries := m.queries.Load()
	s := Snapshot{
		Queries: queries,
		Errors:  m.errors.Load(),
	}
	if queries > 0 {
		s.AvgLatency = time.Duration(m.latencySum.Load() / queries)
	}
	return s
}
