package plc

import (
	"errors"
	"time"

	"github.com/go-plc/conn/plc/layer"
	"github.com/go-plc/conn/plc/plclog"
	"github.com/go-plc/conn/plc/queue"
	"github.com/go-plc/conn/plc/socket"
)

// State names, used for transition logging and by the heartbeat,
// wakeIfDispatching and shutdown to decide whether it's safe to force a
// re-entry (only "dispatch" is a safe idle point; every other state is
// waiting on a specific external callback and must not be re-driven
// speculatively).
const (
	stateNameDispatch          = "dispatch"
	stateNameStartConnect      = "start_connect"
	stateNameBuildConnectReq   = "build_connect_req"
	stateNameConnectReqSent    = "connect_req_sent"
	stateNameConnectRespReady  = "connect_resp_ready"
	stateNameReserveSpace      = "reserve_space"
	stateNameBuildTagReq       = "build_tag_req"
	stateNameTagReqSent        = "tag_req_sent"
	stateNameTagRespReady      = "tag_resp_ready"
	stateNameStartDisconnect   = "start_disconnect"
	stateNameBuildDisconnReq   = "build_disconn_req"
	stateNameDisconnReqSent    = "disconn_req_sent"
	stateNameDisconnRespReady  = "disconn_resp_ready"
	stateNameTerminate         = "terminate"
)

func (c *Conn) pendingTo(name string, fn stateFunc) stateResult {
	c.log.State(c.stateName, name)
	c.stateName = name
	return stateResult{next: fn, pending: true}
}

func (c *Conn) yieldAt(name string, fn stateFunc) stateResult {
	c.log.State(c.stateName, name)
	c.stateName = name
	return stateResult{next: fn, pending: false}
}

// enterState is pendingTo's counterpart for I/O completion callbacks, which
// mutate c.state/c.stateName directly and then drive the runner themselves
// rather than returning a stateResult.
func (c *Conn) enterState(name string, fn stateFunc) {
	c.log.State(c.stateName, name)
	c.state = fn
	c.stateName = name
}

// checkTermination lets a state short-circuit straight to terminate, at a
// natural idle point, once terminating is set and the socket is closed.
func (c *Conn) checkTermination() (stateResult, bool) {
	if c.terminating && !c.connected && c.sock == nil {
		return c.pendingTo(stateNameTerminate, c.stateTerminate), true
	}
	return stateResult{}, false
}

// ---- dispatch --------------------------------------------------------

func (c *Conn) stateDispatch() stateResult {
	if res, done := c.checkTermination(); done {
		return res
	}

	now := time.Now()
	idleExpired := c.connected && !c.nextIdleTimeout.IsZero() && now.After(c.nextIdleTimeout)

	if (c.terminating || idleExpired) && c.connected {
		return c.pendingTo(stateNameStartDisconnect, c.stateStartDisconnect)
	}

	if !c.queue.Empty() && !c.connected {
		if !c.nextRetryTime.IsZero() && now.Before(c.nextRetryTime) {
			return c.yieldAt(stateNameDispatch, c.stateDispatch)
		}
		return c.pendingTo(stateNameStartConnect, c.stateStartConnect)
	}

	if !c.queue.Empty() && c.connected {
		return c.pendingTo(stateNameReserveSpace, c.stateReserveSpace)
	}

	return c.yieldAt(stateNameDispatch, c.stateDispatch)
}

// ---- backoff / reset helpers ----

func (c *Conn) backoff() {
	c.retryIntervalMS *= 2
	if c.retryIntervalMS > c.cfg.RetryCapMS {
		c.retryIntervalMS = c.cfg.RetryCapMS
	}
	if c.retryIntervalMS < c.cfg.RetryFloorMS {
		c.retryIntervalMS = c.cfg.RetryFloorMS
	}
	c.nextRetryTime = time.Now().Add(time.Duration(c.retryIntervalMS) * time.Millisecond)
}

// disconnectOnError: the wire is suspect. Back off, head to disconnect.
// Sets c.state as a side effect (not just returns it) so callers invoked
// from an I/O completion callback — which must drive runLocked themselves
// rather than relying on its return value — still transition correctly.
func (c *Conn) disconnectOnError(op string, err error) stateResult {
	c.log.Warn("disconnect on error", err, nil)
	c.metrics.RecordReconnect()
	c.cfg.Observer.ObserveReconnect()
	c.backoff()
	res := c.pendingTo(stateNameStartDisconnect, c.stateStartDisconnect)
	c.state = res.next
	return res
}

// resetOnError: failure during disconnect itself. Hard close, reinit
// layers, back off, return straight to dispatch. See disconnectOnError for
// why c.state is set as a side effect.
func (c *Conn) resetOnError(op string, err error) stateResult {
	c.log.Error("hard reset", err, nil)
	c.metrics.RecordReset()
	c.cfg.Observer.ObserveReset()
	c.hardClose()
	c.backoff()
	res := c.pendingTo(stateNameDispatch, c.stateDispatch)
	c.state = res.next
	return res
}

func (c *Conn) hardClose() {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	_ = c.stack.Initialize()
	c.connected = false
}

// resetConn is the public Initialize() op's core: force back to idle.
func (c *Conn) resetConn(reason string) {
	c.log.Info("reset", map[string]interface{}{"reason": reason})
	c.hardClose()
	c.rxCursor = 0
}

// ---- connect subgraph --------------------------------------------------

func (c *Conn) stateStartConnect() stateResult {
	if c.cfg.NewSocket == nil {
		return c.disconnectOnError("start_connect", NewKeyError("start_connect", c.key, CodeNullPtr, "no socket factory configured"))
	}
	c.sock = c.cfg.NewSocket()
	c.buf.Reset()
	c.currentReqID = -1

	c.log = c.log.WithSpan(plclog.NewSpanID())
	c.log.Info("connecting", map[string]interface{}{"host": c.host, "port": c.port})

	seq := c.nextIOSeq()
	c.sock.Connect(c.host, c.port, func(status socket.Status, err error) {
		c.onConnectDone(seq, status, err)
	})
	return c.yieldAt(stateNameStartConnect, c.stateStartConnect)
}

func (c *Conn) onConnectDone(seq uint64, status socket.Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkIOSeq(seq) {
		return
	}
	if status == socket.StatusPending {
		// Spurious wakeup; the operation is still in flight.
		return
	}
	if status != socket.StatusOK {
		c.disconnectOnError("start_connect", err)
		c.runLocked()
		return
	}
	c.enterState(stateNameBuildConnectReq, c.stateBuildConnectReq)
	c.runLocked()
}

func (c *Conn) stateBuildConnectReq() stateResult {
	top := c.stack.Head()
	if top == nil {
		c.connected = true
		c.armIdleTimeout()
		return c.pendingTo(stateNameDispatch, c.stateDispatch)
	}

	start, end := 0, c.buf.Cap()
	status, err := top.Connect(c.buf.Bytes(), &start, &end)
	if err != nil || status == layer.StatusError {
		return c.disconnectOnError("build_connect_req", err)
	}
	if status == layer.StatusOK {
		// No handshake needed at any level; connect is already done.
		c.connected = true
		c.armIdleTimeout()
		return c.pendingTo(stateNameDispatch, c.stateDispatch)
	}

	c.buf.PayloadStart, c.buf.PayloadEnd = start, end
	return c.pendingTo(stateNameConnectReqSent, c.stateConnectReqSent)
}

func (c *Conn) stateConnectReqSent() stateResult {
	seq := c.nextIOSeq()
	payload := c.buf.Payload()
	c.metrics.RecordRequest(uint64(len(payload)))
	c.cfg.Observer.ObserveRequest(uint64(len(payload)))
	c.sock.Write(payload, func(status socket.Status, n int, err error) {
		c.onConnectWriteDone(seq, status, n, err)
	})
	return c.yieldAt(stateNameConnectReqSent, c.stateConnectReqSent)
}

func (c *Conn) onConnectWriteDone(seq uint64, status socket.Status, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkIOSeq(seq) {
		return
	}
	if status == socket.StatusPending {
		// Spurious wakeup; the operation is still in flight.
		return
	}
	if status != socket.StatusOK {
		c.disconnectOnError("connect_req_sent", err)
		c.runLocked()
		return
	}
	c.buf.Reset()
	c.enterState(stateNameConnectRespReady, c.stateConnectRespReadyArm)
	c.runLocked()
}

// stateConnectRespReadyArm arms the read and yields; the real parse happens
// in onConnectReadDone once bytes arrive.
func (c *Conn) stateConnectRespReadyArm() stateResult {
	seq := c.nextIOSeq()
	c.sock.Read(c.buf.Bytes()[c.buf.PayloadEnd:], func(status socket.Status, n int, err error) {
		c.onConnectReadDone(seq, status, n, err)
	})
	return c.yieldAt(stateNameConnectRespReady, c.stateConnectRespReadyArm)
}

func (c *Conn) onConnectReadDone(seq uint64, status socket.Status, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkIOSeq(seq) {
		return
	}
	if status == socket.StatusPending {
		// Spurious wakeup; the operation is still in flight.
		return
	}
	if status != socket.StatusOK {
		c.disconnectOnError("connect_resp_ready", err)
		c.runLocked()
		return
	}
	c.buf.PayloadEnd += n

	top := c.stack.Head()
	start, end := c.buf.PayloadStart, c.buf.PayloadEnd
	respStatus, perr := top.ProcessResponse(c.buf.Bytes(), &start, &end, &c.currentReqID)
	switch respStatus {
	case layer.StatusPartial:
		c.enterState(stateNameConnectRespReady, c.stateConnectRespReadyArm)
		c.runLocked()
		return
	case layer.StatusRetry:
		c.enterState(stateNameBuildConnectReq, c.stateBuildConnectReq)
		c.runLocked()
		return
	case layer.StatusOK:
		c.connected = true
		c.armIdleTimeout()
		c.metrics.RecordConnect()
		c.cfg.Observer.ObserveConnect()
		c.log.Info("connected", map[string]interface{}{"host": c.host, "port": c.port})
		c.enterState(stateNameDispatch, c.stateDispatch)
		c.runLocked()
		return
	default:
		c.disconnectOnError("connect_resp_ready", perr)
		c.runLocked()
	}
}

func (c *Conn) armIdleTimeout() {
	if c.idleTimeoutMS > 0 {
		c.nextIdleTimeout = time.Now().Add(time.Duration(c.idleTimeoutMS) * time.Millisecond)
	}
}

// ---- send/receive subgraph ---------------------------------------------

func (c *Conn) stateReserveSpace() stateResult {
	c.buf.Reset()
	return c.pendingTo(stateNameBuildTagReq, c.stateBuildTagReq)
}

// stateBuildTagReq implements the multi-request packing algorithm: pull the
// queue head, reserve space top-down, let the request fill its payload,
// finalize bottom-up (here: single-call, see layer package doc), and repeat
// into the remaining space until the queue drains, a request doesn't fit,
// or the layer stack says it's done.
//
// A too-small-to-fit result only ever stops the loop: if one or more
// requests already packed, they still go out as-is and the one that didn't
// fit waits for the next pass. Any other build/layer error is a genuine
// protocol failure and disconnects regardless of how much has already been
// packed; the offending request is also pulled off the queue so it can't be
// retried into the same failure forever.
func (c *Conn) stateBuildTagReq() stateResult {
	top := c.stack.Head()
	candidates := c.queue.All()
	packed := 0

	for _, req := range candidates {
		start, end := c.buf.PayloadEnd, c.buf.Cap()
		reqID := int64(-1)

		rsStatus, err := top.ReserveSpace(c.buf.Bytes(), &start, &end, &reqID)
		if rsStatus == layer.StatusTooSmall {
			if packed == 0 {
				return c.disconnectOnError("reserve_space", err)
			}
			break
		}
		if err != nil || rsStatus == layer.StatusError {
			c.queue.Remove(req)
			return c.disconnectOnError("reserve_space", err)
		}

		buildStart, buildEnd := start, end
		if berr := req.Build(c.buf.Bytes(), &buildStart, &buildEnd); berr != nil {
			if errors.Is(berr, queue.ErrTooSmall) {
				if packed == 0 {
					return c.disconnectOnError("build_request", berr)
				}
				break
			}
			c.queue.Remove(req)
			return c.disconnectOnError("build_request", berr)
		}

		c.currentReqID = reqID
		blStatus, blErr := top.Build(c.buf.Bytes(), &buildStart, &buildEnd, &reqID)
		if blErr != nil || blStatus == layer.StatusError {
			c.queue.Remove(req)
			return c.disconnectOnError("build_layer", blErr)
		}

		req.ReqID = reqID
		req.SentAt = time.Now()
		c.buf.PayloadEnd = buildEnd
		packed++
		c.metrics.RecordRequest(uint64(buildEnd - start))
		c.cfg.Observer.ObserveRequest(uint64(buildEnd - start))

		if blStatus != layer.StatusPending {
			break
		}
	}

	if packed == 0 {
		// Nothing packed and no error: nothing queued to send right now.
		return c.pendingTo(stateNameDispatch, c.stateDispatch)
	}

	c.metrics.RecordQueueDepth(uint32(c.queue.Len()))
	c.cfg.Observer.ObserveQueueDepth(uint32(c.queue.Len()))
	return c.pendingTo(stateNameTagReqSent, c.stateTagReqSent)
}

func (c *Conn) stateTagReqSent() stateResult {
	seq := c.nextIOSeq()
	payload := c.buf.Payload()
	c.sock.Write(payload, func(status socket.Status, n int, err error) {
		c.onTagWriteDone(seq, status, n, err)
	})
	return c.yieldAt(stateNameTagReqSent, c.stateTagReqSent)
}

func (c *Conn) onTagWriteDone(seq uint64, status socket.Status, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkIOSeq(seq) {
		return
	}
	if status == socket.StatusPending {
		// Spurious wakeup; the operation is still in flight.
		return
	}
	if status != socket.StatusOK {
		c.disconnectOnError("tag_req_sent", err)
		c.runLocked()
		return
	}
	c.buf.Reset()
	c.rxCursor = 0
	c.enterState(stateNameTagRespReady, c.stateTagRespReadyArm)
	c.runLocked()
}

func (c *Conn) stateTagRespReadyArm() stateResult {
	seq := c.nextIOSeq()
	c.sock.Read(c.buf.Bytes()[c.buf.PayloadEnd:], func(status socket.Status, n int, err error) {
		c.onTagReadDone(seq, status, n, err)
	})
	return c.yieldAt(stateNameTagRespReady, c.stateTagRespReadyArm)
}

// onTagReadDone implements the response demultiplexer: invoke
// ProcessResponse repeatedly; each ok match is checked against the queue
// head by req id, removed and dispatched on match, dropped otherwise.
func (c *Conn) onTagReadDone(seq uint64, status socket.Status, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkIOSeq(seq) {
		return
	}
	if status == socket.StatusPending {
		// Spurious wakeup; the operation is still in flight.
		return
	}
	if status != socket.StatusOK {
		c.disconnectOnError("tag_resp_ready", err)
		c.runLocked()
		return
	}
	c.buf.PayloadEnd += n
	top := c.stack.Head()

	for c.rxCursor < c.buf.PayloadEnd {
		start, end := c.rxCursor, c.buf.PayloadEnd
		reqID := int64(-1)
		respStatus, perr := top.ProcessResponse(c.buf.Bytes(), &start, &end, &reqID)

		switch respStatus {
		case layer.StatusPartial:
			c.enterState(stateNameTagRespReady, c.stateTagRespReadyArm)
			c.runLocked()
			return
		case layer.StatusOK, layer.StatusPending:
			c.dispatchResponse(reqID, c.buf.Bytes()[start:end])
			c.rxCursor = end
			if respStatus == layer.StatusPending {
				continue
			}
		default:
			c.disconnectOnError("tag_resp_ready", perr)
			c.runLocked()
			return
		}
	}

	c.enterState(stateNameDispatch, c.stateDispatch)
	c.runLocked()
}

func (c *Conn) dispatchResponse(reqID int64, payload []byte) {
	head := c.queue.Head()
	matched := head != nil && head.ReqID == reqID

	var latencyNs uint64
	if matched && !head.SentAt.IsZero() {
		latencyNs = uint64(time.Since(head.SentAt))
	}
	c.metrics.RecordResponse(uint64(len(payload)), latencyNs, matched)
	c.cfg.Observer.ObserveResponse(uint64(len(payload)), latencyNs, matched)

	if !matched {
		c.log.Detail("response dropped, no matching head", map[string]interface{}{"req_id": reqID})
		return
	}

	req := c.queue.PopHead()
	c.armIdleTimeout()
	if req != nil && req.Process != nil {
		if perr := req.Process(payload, 0, len(payload)); perr != nil {
			c.log.Warn("request process callback failed", perr, map[string]interface{}{"req_id": reqID})
		}
	}
}

// ---- disconnect subgraph ------------------------------------------------

func (c *Conn) stateStartDisconnect() stateResult {
	if c.sock == nil {
		c.connected = false
		return c.pendingTo(stateNameDispatch, c.stateDispatch)
	}
	return c.pendingTo(stateNameBuildDisconnReq, c.stateBuildDisconnReq)
}

func (c *Conn) stateBuildDisconnReq() stateResult {
	top := c.stack.Head()
	if top == nil {
		return c.finishDisconnect()
	}

	start, end := 0, c.buf.Cap()
	status, err := top.Disconnect(c.buf.Bytes(), &start, &end)
	if err != nil || status == layer.StatusError {
		return c.resetOnError("build_disconn_req", err)
	}
	if status == layer.StatusOK {
		return c.finishDisconnect()
	}

	c.buf.PayloadStart, c.buf.PayloadEnd = start, end
	return c.pendingTo(stateNameDisconnReqSent, c.stateDisconnReqSent)
}

func (c *Conn) stateDisconnReqSent() stateResult {
	seq := c.nextIOSeq()
	payload := c.buf.Payload()
	c.sock.Write(payload, func(status socket.Status, n int, err error) {
		c.onDisconnWriteDone(seq, status, n, err)
	})
	return c.yieldAt(stateNameDisconnReqSent, c.stateDisconnReqSent)
}

func (c *Conn) onDisconnWriteDone(seq uint64, status socket.Status, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkIOSeq(seq) {
		return
	}
	if status == socket.StatusPending {
		// Spurious wakeup; the operation is still in flight.
		return
	}
	if status != socket.StatusOK {
		c.resetOnError("disconn_req_sent", err)
		c.runLocked()
		return
	}
	c.buf.Reset()
	c.enterState(stateNameDisconnRespReady, c.stateDisconnRespReadyArm)
	c.runLocked()
}

func (c *Conn) stateDisconnRespReadyArm() stateResult {
	seq := c.nextIOSeq()
	c.sock.Read(c.buf.Bytes()[c.buf.PayloadEnd:], func(status socket.Status, n int, err error) {
		c.onDisconnReadDone(seq, status, n, err)
	})
	return c.yieldAt(stateNameDisconnRespReady, c.stateDisconnRespReadyArm)
}

func (c *Conn) onDisconnReadDone(seq uint64, status socket.Status, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.checkIOSeq(seq) {
		return
	}
	if status == socket.StatusPending {
		// Spurious wakeup; the operation is still in flight.
		return
	}
	if status != socket.StatusOK {
		c.resetOnError("disconn_resp_ready", err)
		c.runLocked()
		return
	}
	c.buf.PayloadEnd += n

	top := c.stack.Head()
	start, end := c.buf.PayloadStart, c.buf.PayloadEnd
	respStatus, perr := top.ProcessResponse(c.buf.Bytes(), &start, &end, &c.currentReqID)
	switch respStatus {
	case layer.StatusPartial:
		c.enterState(stateNameDisconnRespReady, c.stateDisconnRespReadyArm)
		c.runLocked()
		return
	case layer.StatusRetry:
		// More layers still want to send their own disconnect frame.
		c.enterState(stateNameBuildDisconnReq, c.stateBuildDisconnReq)
		c.runLocked()
		return
	case layer.StatusOK:
		c.finishDisconnect()
		c.runLocked()
		return
	default:
		c.resetOnError("disconn_resp_ready", perr)
		c.runLocked()
	}
}

func (c *Conn) finishDisconnect() stateResult {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.connected = false
	c.metrics.RecordDisconnect()
	c.cfg.Observer.ObserveDisconnect()
	c.log.Info("disconnected", nil)
	res := c.pendingTo(stateNameDispatch, c.stateDispatch)
	c.state = res.next
	return res
}

// ---- terminate ------------------------------------------------------

func (c *Conn) stateTerminate() stateResult {
	c.terminatedOnce.Do(func() { close(c.terminated) })
	return c.yieldAt(stateNameTerminate, c.stateTerminate)
}

func (c *Conn) nextIOSeq() uint64 {
	c.ioSeq++
	return c.ioSeq
}

func (c *Conn) checkIOSeq(seq uint64) bool {
	return seq == c.ioSeq
}
