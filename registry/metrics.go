package registry

import (
	"sync/atomic"
	"time"
)

// capabilityMetrics accumulates rolling per-capability counters.
type capabilityMetrics struct {
	invocations atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	cacheHits   atomic.Int64
	rejected    atomic.Int64
	totalNanos  atomic.Int64
}

func newCapabilityMetrics() *capabilityMetrics {
	return &capabilityMetrics{}
}

func (m *capabilityMetrics) record(success bool, elapsed time.Duration) {
	m.invocations.Add(1)
	m.totalNanos.Add(int64(elapsed))
	if success {
		m.successes.Add(1)
	} else {
		m.failures.Add(1)
	}
}

// MetricsSnapshot is a point-in-time view of one capability's counters.
type MetricsSnapshot struct {
	Invocations int64         `json:"invocations"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	CacheHits   int64         `json:"cache_hits"`
	Rejected    int64         `json:"rejected"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

func (m *capabilityMetrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Invocations: m.invocations.Load(),
		Successes:   m.successes.Load(),
		Failures:    m.failures.Load(),
		CacheHits:   m.cacheHits.Load(),
		Rejected:    m.rejected.Load(),
	}
	if s.Invocations > 0 {
		s.AvgLatency = time.Duration(m.totalNanos.Load() / s.Invocations)
	}
	return s
}
