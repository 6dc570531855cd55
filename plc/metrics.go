package plc

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the round-trip latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-Conn operational statistics: request traffic, retry
// and reconnect behavior, and round-trip latency.
type Metrics struct {
	RequestsSent     atomic.Uint64 // requests packed into a frame, plus connect handshake frames
	ResponsesMatched atomic.Uint64 // responses matched to a queued request
	ResponsesDropped atomic.Uint64 // responses for an already-removed request
	BytesSent        atomic.Uint64
	BytesReceived    atomic.Uint64

	Connects        atomic.Uint64 // successful connect handshakes
	Disconnects     atomic.Uint64 // completed disconnects (idle, terminating, or after an error)
	Reconnects      atomic.Uint64 // disconnect-and-backoff cycles (errors)
	Resets          atomic.Uint64 // hard resets during disconnect failures

	TotalLatencyNs atomic.Uint64 // cumulative request->response latency
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one request being packed into a frame, or one
// connect handshake frame being written.
func (m *Metrics) RecordRequest(bytes uint64) {
	m.RequestsSent.Add(1)
	m.BytesSent.Add(bytes)
}

// RecordResponse records one response being matched (or not) to the queue
// head, and the latency since the request was sent.
func (m *Metrics) RecordResponse(bytes uint64, latencyNs uint64, matched bool) {
	m.BytesReceived.Add(bytes)
	if matched {
		m.ResponsesMatched.Add(1)
		m.recordLatency(latencyNs)
	} else {
		m.ResponsesDropped.Add(1)
	}
}

// RecordQueueDepth records the queue depth observed at dispatch time.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordConnect records a successful connect handshake.
func (m *Metrics) RecordConnect() { m.Connects.Add(1) }

// RecordDisconnect records a completed disconnect, whether it was driven by
// idle timeout, termination, or an earlier error.
func (m *Metrics) RecordDisconnect() { m.Disconnects.Add(1) }

// RecordReconnect records a disconnect-and-backoff cycle triggered by error.
func (m *Metrics) RecordReconnect() { m.Reconnects.Add(1) }

// RecordReset records a hard reset triggered by a disconnect-phase failure.
func (m *Metrics) RecordReset() { m.Resets.Add(1) }

// Stop marks the connection's metrics as stopped (for uptime calculations).
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics plus
// derived statistics, suitable for logging or export.
type MetricsSnapshot struct {
	RequestsSent     uint64
	ResponsesMatched uint64
	ResponsesDropped uint64
	BytesSent        uint64
	BytesReceived    uint64

	Connects    uint64
	Disconnects uint64
	Reconnects  uint64
	Resets      uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	RequestRate float64 // requests/sec
	ErrorRate   float64 // dropped responses as a percentage (0-100) of total responses
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestsSent:     m.RequestsSent.Load(),
		ResponsesMatched: m.ResponsesMatched.Load(),
		ResponsesDropped: m.ResponsesDropped.Load(),
		BytesSent:        m.BytesSent.Load(),
		BytesReceived:    m.BytesReceived.Load(),
		Connects:         m.Connects.Load(),
		Disconnects:      m.Disconnects.Load(),
		Reconnects:       m.Reconnects.Load(),
		Resets:           m.Resets.Load(),
		MaxQueueDepth:    m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.RequestRate = float64(snap.RequestsSent) / uptimeSeconds
	}

	totalResponses := snap.ResponsesMatched + snap.ResponsesDropped
	if totalResponses > 0 {
		snap.ErrorRate = float64(snap.ResponsesDropped) / float64(totalResponses) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection; Conn calls these hooks from
// inside the state machine, always under the per-Conn mutex.
type Observer interface {
	ObserveRequest(bytes uint64)
	ObserveResponse(bytes uint64, latencyNs uint64, matched bool)
	ObserveQueueDepth(depth uint32)
	ObserveConnect()
	ObserveDisconnect()
	ObserveReconnect()
	ObserveReset()
}

// NoOpObserver is a no-op Observer, the default when none is configured.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(uint64)                {}
func (NoOpObserver) ObserveResponse(uint64, uint64, bool) {}
func (NoOpObserver) ObserveQueueDepth(uint32)             {}
func (NoOpObserver) ObserveConnect()                      {}
func (NoOpObserver) ObserveDisconnect()                   {}
func (NoOpObserver) ObserveReconnect()                    {}
func (NoOpObserver) ObserveReset()                        {}

// MetricsObserver implements Observer by recording into a *Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRequest(bytes uint64) { o.metrics.RecordRequest(bytes) }

func (o *MetricsObserver) ObserveResponse(bytes uint64, latencyNs uint64, matched bool) {
	o.metrics.RecordResponse(bytes, latencyNs, matched)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) { o.metrics.RecordQueueDepth(depth) }
func (o *MetricsObserver) ObserveConnect()                { o.metrics.RecordConnect() }
func (o *MetricsObserver) ObserveDisconnect()             { o.metrics.RecordDisconnect() }
func (o *MetricsObserver) ObserveReconnect()              { o.metrics.RecordReconnect() }
func (o *MetricsObserver) ObserveReset()                  { o.metrics.RecordReset() }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
