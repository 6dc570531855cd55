package plc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordRequestAccumulates(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest(10)
	m.RecordRequest(20)

	assert.Equal(t, uint64(2), m.RequestsSent.Load())
	assert.Equal(t, uint64(30), m.BytesSent.Load())
}

func TestRecordResponseMatchedVsDropped(t *testing.T) {
	m := NewMetrics()
	m.RecordResponse(5, 1_000, true)
	m.RecordResponse(5, 0, false)

	assert.Equal(t, uint64(1), m.ResponsesMatched.Load())
	assert.Equal(t, uint64(1), m.ResponsesDropped.Load())
	assert.Equal(t, uint64(10), m.BytesReceived.Load())
}

func TestRecordQueueDepthTracksMax(t *testing.T) {
	m := NewMetrics()
	m.RecordQueueDepth(3)
	m.RecordQueueDepth(7)
	m.RecordQueueDepth(2)

	assert.Equal(t, uint32(7), m.MaxQueueDepth.Load())

	snap := m.Snapshot()
	assert.InDelta(t, 4.0, snap.AvgQueueDepth, 0.01)
}

func TestSnapshotErrorRatePercentage(t *testing.T) {
	m := NewMetrics()
	m.RecordResponse(1, 0, true)
	m.RecordResponse(1, 0, true)
	m.RecordResponse(1, 0, true)
	m.RecordResponse(1, 0, false)

	snap := m.Snapshot()
	assert.InDelta(t, 25.0, snap.ErrorRate, 0.01)
}

func TestSnapshotZeroStateHasNoLatencyOrRate(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()

	assert.Zero(t, snap.AvgLatencyNs)
	assert.Zero(t, snap.LatencyP50Ns)
	assert.Zero(t, snap.ErrorRate)
}

func TestSnapshotLatencyPercentilesMonotonic(t *testing.T) {
	m := NewMetrics()
	latencies := []uint64{500, 5_000, 50_000, 500_000, 5_000_000}
	for _, ns := range latencies {
		m.RecordResponse(1, ns, true)
	}

	snap := m.Snapshot()
	assert.LessOrEqual(t, snap.LatencyP50Ns, snap.LatencyP99Ns)
	assert.LessOrEqual(t, snap.LatencyP99Ns, snap.LatencyP999Ns)
}

func TestRecordConnectDisconnectReconnectReset(t *testing.T) {
	m := NewMetrics()
	m.RecordConnect()
	m.RecordDisconnect()
	m.RecordReconnect()
	m.RecordReset()

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.Connects)
	assert.Equal(t, uint64(1), snap.Disconnects)
	assert.Equal(t, uint64(1), snap.Reconnects)
	assert.Equal(t, uint64(1), snap.Resets)
}

func TestMetricsObserverDelegatesToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveRequest(4)
	obs.ObserveResponse(4, 1000, true)
	obs.ObserveQueueDepth(2)
	obs.ObserveConnect()
	obs.ObserveDisconnect()
	obs.ObserveReconnect()
	obs.ObserveReset()

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.RequestsSent)
	assert.Equal(t, uint64(1), snap.ResponsesMatched)
	assert.Equal(t, uint64(1), snap.Connects)
	assert.Equal(t, uint64(1), snap.Disconnects)
	assert.Equal(t, uint64(1), snap.Reconnects)
	assert.Equal(t, uint64(1), snap.Resets)
}

func TestNoOpObserverNeverPanics(t *testing.T) {
	var o NoOpObserver
	assert.NotPanics(t, func() {
		o.ObserveRequest(1)
		o.ObserveResponse(1, 1, true)
		o.ObserveQueueDepth(1)
		o.ObserveConnect()
		o.ObserveDisconnect()
		o.ObserveReconnect()
		o.ObserveReset()
	})
}
