package plc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-plc/conn/plc/layerfix"
	"github.com/go-plc/conn/plc/queue"
	"github.com/go-plc/conn/plc/socket"
)

func newTestConn(cfg Config, mock *socket.MockSocket) *Conn {
	if cfg.NewSocket == nil {
		cfg.NewSocket = func() socket.Socket { return mock }
	}
	return newConn("test/10.0.0.1:44818/NO_PATH", "10.0.0.1", 44818, "NO_PATH", cfg)
}

// Scenario 1 (spec §8.1): connect happy path. A one-layer stack whose
// connect emits 4 bytes and whose response parser accepts any 4-byte echo.
// After one round-trip, is_connected=true and next_idle_timeout is set.
//
// MockSocket snapshots its scripted Read data at the moment Read is
// called, which happens synchronously as a side effect of firing the
// *previous* completion (e.g. FireWrite arms the next Read inline) — so
// each ReadData assignment below is staged one step ahead of the Fire call
// that actually arms the corresponding Read.
func TestScenarioConnectHappyPath(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{}, mock)
	c.stack = layerfix.NewConnectStack()

	req := &queue.Request{
		Build:   func(buf []byte, start, end *int) error { *end = *start; return nil },
		Process: func(buf []byte, start, end int) error { return nil },
	}
	require.NoError(t, c.StartRequest(req))
	require.Equal(t, 1, mock.ConnectCalls)

	mock.FireConnect()
	require.Equal(t, 1, mock.WriteCalls) // connect handshake write armed

	mock.ReadData = []byte{0xAA, 0xBB, 0xCC, 0xDD} // staged for the read FireWrite arms below
	mock.FireWrite()
	require.Equal(t, 1, mock.ReadCalls)

	mock.FireRead()

	assert.True(t, c.Connected())
	c.mu.Lock()
	idleSet := !c.nextIdleTimeout.IsZero()
	c.mu.Unlock()
	assert.True(t, idleSet)
	require.Equal(t, 2, mock.WriteCalls) // tag request write armed synchronously on connect

	mock.ReadData = []byte{0x01, 0x02, 0x03, 0x04} // staged for the tag-response read
	mock.FireWrite()
	mock.FireRead()

	c.mu.Lock()
	qEmpty := c.queue.Empty()
	c.mu.Unlock()
	assert.True(t, qEmpty)
}

// Scenario 2 (spec §8.2): two requests packed into one write, both
// responses matched and removed in queue order from a single read. Both
// requests are queued while the engine is paused away from dispatch so
// neither StartRequest call wakes the runner mid-packing (the real engine
// only auto-wakes from dispatch; see wakeIfDispatching), then a single
// manual re-entry packs both at once, matching "queue two requests" in the
// scenario's setup.
func TestScenarioTwoRequestsPacked(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{BufferSize: 64}, mock)
	c.stack = layerfix.NewStack()
	c.connected = true
	c.sock = mock

	var mu sync.Mutex
	var seen []string

	mkReq := func(payload string) *queue.Request {
		return &queue.Request{
			Build: func(buf []byte, start, end *int) error {
				copy(buf[*start:], payload)
				*end = *start + len(payload)
				return nil
			},
			Process: func(buf []byte, start, end int) error {
				mu.Lock()
				seen = append(seen, string(buf[start:end]))
				mu.Unlock()
				return nil
			},
		}
	}

	c.mu.Lock()
	c.stateName = "paused-for-test"
	c.mu.Unlock()

	require.NoError(t, c.StartRequest(mkReq("AAAAAAAAAA")))
	require.NoError(t, c.StartRequest(mkReq("BBBBBBBBBB")))
	require.Equal(t, 0, mock.WriteCalls)

	c.mu.Lock()
	c.stateName = stateNameDispatch
	c.state = c.stateDispatch
	c.runLocked()
	c.mu.Unlock()

	require.Equal(t, 1, mock.WriteCalls)
	sentFrame := mock.LastWrite

	mock.ReadData = sentFrame
	mock.FireWrite()
	mock.FireRead()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"AAAAAAAAAA", "BBBBBBBBBB"}, seen)
	assert.True(t, c.queue.Empty())
}

// Scenario 3 (spec §8.3): the first request can never fit. The engine
// disconnects without issuing a write, and retry_interval_ms doubles.
func TestScenarioTooSmallFirstRequest(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{BufferSize: 2, RetryFloorMS: 1000, RetryCapMS: 16000}, mock)
	c.stack = layerfix.NewStack() // needs 12 bytes of header alone
	c.connected = true
	c.sock = mock

	req := &queue.Request{
		Build:   func(buf []byte, start, end *int) error { return nil },
		Process: func(buf []byte, start, end int) error { return nil },
	}
	require.NoError(t, c.StartRequest(req))

	// Nothing ever fit, so the engine never wrote, backed off once, and
	// (since the layer stack's Disconnect needs no wire round trip here)
	// ran all the way through disconnect and back to dispatch synchronously
	// within this same call, waiting out the backoff before it will retry.
	assert.Equal(t, 0, mock.WriteCalls)
	assert.Equal(t, 1, mock.CloseCalls)
	assert.Equal(t, 2000, c.retryIntervalMS)
	assert.Equal(t, stateNameDispatch, c.stateName)
	assert.False(t, c.queue.Empty())
}

// TestScenarioGenuineBuildErrorAfterPacking pins down that a real build
// failure disconnects even once an earlier request in the same packing pass
// already succeeded, rather than being swallowed the way a too-small result
// is once an earlier request has packed (a too-small first request
// disconnects, as TestScenarioTooSmallFirstRequest shows). The offending request is also
// pulled off the queue so it can't fail the same way on every retry.
func TestScenarioGenuineBuildErrorAfterPacking(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{BufferSize: 64, RetryFloorMS: 1000, RetryCapMS: 16000}, mock)
	c.stack = layerfix.NewStack()
	c.connected = true
	c.sock = mock

	ok := &queue.Request{
		Build: func(buf []byte, start, end *int) error {
			copy(buf[*start:], "AAAA")
			*end = *start + 4
			return nil
		},
		Process: func(buf []byte, start, end int) error { return nil },
	}
	bad := &queue.Request{
		Build: func(buf []byte, start, end *int) error {
			return fmt.Errorf("layerfix: malformed payload")
		},
		Process: func(buf []byte, start, end int) error { return nil },
	}

	// Queue both while paused so neither StartRequest wakes the runner
	// mid-packing; a single manual re-entry packs ok then hits bad.
	c.mu.Lock()
	c.stateName = "paused-for-test"
	c.mu.Unlock()

	require.NoError(t, c.StartRequest(ok))
	require.NoError(t, c.StartRequest(bad))
	require.Equal(t, 0, mock.WriteCalls)

	c.mu.Lock()
	c.stateName = stateNameDispatch
	c.state = c.stateDispatch
	c.runLocked()
	c.mu.Unlock()

	// Unlike the too-small case, a genuine build error must not send what
	// was already packed: it disconnects the whole pass.
	assert.Equal(t, 0, mock.WriteCalls)
	assert.Equal(t, 1, mock.CloseCalls)
	assert.Equal(t, 2000, c.retryIntervalMS)
	assert.Equal(t, stateNameDispatch, c.stateName)

	c.mu.Lock()
	remaining := c.queue.All()
	c.mu.Unlock()
	require.Len(t, remaining, 1)
	assert.Same(t, ok, remaining[0])
}

// Scenario 4 (spec §8.4): a response split across two read completions
// takes the partial path once, then completes on the second read.
func TestScenarioPartialRead(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{BufferSize: 64}, mock)
	c.stack = layerfix.NewStack()
	c.connected = true
	c.sock = mock

	var processed []byte
	req := &queue.Request{
		Build: func(buf []byte, start, end *int) error {
			copy(buf[*start:], "hi")
			*end = *start + 2
			return nil
		},
		Process: func(buf []byte, start, end int) error {
			processed = append([]byte(nil), buf[start:end]...)
			return nil
		},
	}
	require.NoError(t, c.StartRequest(req))
	fullFrame := mock.LastWrite
	require.GreaterOrEqual(t, len(fullFrame), 4)

	mock.ReadData = fullFrame[:2] // header not even complete
	mock.FireWrite()

	mock.ReadData = fullFrame[2:] // staged for the read the partial path re-arms
	mock.FireRead()

	assert.True(t, mock.HasPendingRead())
	assert.Nil(t, processed)

	mock.FireRead()

	assert.Equal(t, []byte("hi"), processed)
}

// TestResponseDroppedAfterStopRequest exercises P5(b)/§4.3: a response for
// a request that was stopped before it arrived is silently discarded
// instead of being matched against whatever is now at the queue head.
func TestResponseDroppedAfterStopRequest(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{BufferSize: 64}, mock)
	c.stack = layerfix.NewStack()
	c.connected = true
	c.sock = mock

	var secondProcessed bool
	first := &queue.Request{
		Build:   func(buf []byte, start, end *int) error { *end = *start; return nil },
		Process: func(buf []byte, start, end int) error { return nil },
	}
	second := &queue.Request{
		Build:   func(buf []byte, start, end *int) error { *end = *start; return nil },
		Process: func(buf []byte, start, end int) error { secondProcessed = true; return nil },
	}
	require.NoError(t, c.StartRequest(first))
	fullFrame := mock.LastWrite

	mock.ReadData = fullFrame
	mock.FireWrite()

	// Stop `first` while its response is still in flight, then queue
	// `second` so it becomes the new head before the response arrives.
	require.NoError(t, c.StopRequest(first))
	require.NoError(t, c.StartRequest(second))

	mock.FireRead()

	assert.False(t, secondProcessed)
}

// Scenario 5 (spec §8.5): idle disconnect. With no requests enqueued and a
// short idle timeout, the heartbeat drives a clean disconnect within a few
// heartbeat intervals.
func TestScenarioIdleDisconnect(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{HeartbeatInterval: 20 * time.Millisecond}, mock)
	c.stack = layerfix.NewConnectStack()
	c.connected = true
	c.sock = mock
	c.idleTimeoutMS = 50
	c.armIdleTimeout()
	c.armHeartbeat()
	defer c.heartbeat.Destroy()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !c.Connected() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.False(t, c.Connected())
	assert.Equal(t, 1, mock.CloseCalls)
}

// TestShutdownWhileWriteInFlight parks the engine in tag_req_sent with a
// Write armed but not yet completed, then drives shutdown. The forced
// re-entry must not re-run the waiting state (which would re-issue the
// armed Write); shutdown instead waits out the budget and force-closes.
func TestShutdownWhileWriteInFlight(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{BufferSize: 64, DisconnectBudget: 50 * time.Millisecond}, mock)
	c.stack = layerfix.NewStack()
	c.connected = true
	c.sock = mock

	req := &queue.Request{
		Build:   func(buf []byte, start, end *int) error { *end = *start; return nil },
		Process: func(buf []byte, start, end int) error { return nil },
	}
	require.NoError(t, c.StartRequest(req))
	require.Equal(t, 1, mock.WriteCalls)

	c.mu.Lock()
	parked := c.stateName
	c.mu.Unlock()
	require.Equal(t, stateNameTagReqSent, parked)

	c.shutdown(c.cfg.DisconnectBudget)

	assert.Equal(t, 1, mock.WriteCalls) // armed Write was not re-issued
	assert.Equal(t, 1, mock.CloseCalls)
	assert.False(t, c.Connected())
	select {
	case <-c.terminated:
	default:
		t.Fatal("terminated channel was not closed")
	}
}

// Scenario 6 (spec §8.6): destroy while connected. Dropping the last
// reference drives a bounded graceful disconnect before the Conn is freed.
func TestScenarioDestroyWhileConnected(t *testing.T) {
	mock := socket.NewMockSocket()
	c := newTestConn(Config{DisconnectBudget: 200 * time.Millisecond}, mock)
	c.stack = layerfix.NewConnectStack()
	c.connected = true
	c.sock = mock

	start := time.Now()
	c.shutdown(c.cfg.DisconnectBudget)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.False(t, c.Connected())
	select {
	case <-c.terminated:
	default:
		t.Fatal("terminated channel was not closed")
	}
}
