package simpleuser

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRegistered
	MetricLoginRecovered
	MetricCodeSent
	MetricCodeRateLimited
	MetricCodeGenerationFailed
	MetricCodeVerified
	MetricCodeInvalid
	MetricCodeLocked
	MetricPasswordFailure
	MetricPasswordLocked
	MetricPasswordChanged
	MetricPasswordReset
	MetricEmailChanged
	MetricSessionCreated
	MetricSessionRevoked
	MetricAnonymousCreated
	MetricResolveUnauthenticated
	MetricUnregister
	MetricResolveLatency
	metricIDCount
)

// resolveLatencyBounds are the inclusive upper bounds of the ResolveUser
// histogram. A final bucket catches everything slower.
var resolveLatencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const (
	histBucketCount = len(resolveLatencyBounds) + 1
	cacheLineSize   = 64
)

// ResolveLatencyBounds returns the histogram bucket bounds, without the
// overflow bucket.
func ResolveLatencyBounds() []time.Duration {
	out := make([]time.Duration, len(resolveLatencyBounds))
	copy(out, resolveLatencyBounds[:])
	return out
}

type latencyHistogram struct {
	buckets  [histBucketCount]uint64
	sumNanos uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds one lock-free counter per MetricID plus the ResolveUser
// latency histogram. A disabled Metrics ignores every update.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	resolve       latencyHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter. Histograms
// holds per-bucket (not cumulative) counts and LatencySum the total
// observed time, both keyed by MetricResolveLatency when enabled.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
	LatencySum map[MetricID]time.Duration
}

// NewMetrics builds counters for cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records one ResolveUser call that took d. Other ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if id != MetricResolveLatency || !m.LatencyEnabled() {
		return
	}
	if d < 0 {
		d = 0
	}
	atomic.AddUint64(&m.resolve.buckets[bucketIndex(d)], 1)
	atomic.AddUint64(&m.resolve.sumNanos, uint64(d))
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value returns the current count of id. For MetricResolveLatency that is
// the number of observations.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter. A disabled Metrics yields empty maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
		LatencySum: map[MetricID]time.Duration{},
	}
	if !m.Enabled() {
		return s
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricResolveLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := range buckets {
			buckets[i] = atomic.LoadUint64(&m.resolve.buckets[i])
		}
		s.Histograms[MetricResolveLatency] = buckets
		s.LatencySum[MetricResolveLatency] = time.Duration(atomic.LoadUint64(&m.resolve.sumNanos))
	}

	return s
}

func bucketIndex(d time.Duration) int {
	for i, bound := range resolveLatencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(resolveLatencyBounds)
}
