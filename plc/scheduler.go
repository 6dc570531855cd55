package plc

import "time"

// runLocked is the state runner's loop body. It is called with c.mu already
// held: socket I/O completion callbacks and wakeIfDispatching/onHeartbeat
// all lock c.mu themselves, set up the next state, then tail into
// runLocked. It loops the current state function while it reports pending
// (tail-calling into the next state with no yield to the outside world),
// and returns once a state reports ok (waiting for an external wakeup).
func (c *Conn) runLocked() {
	for {
		if c.state == nil {
			c.state = c.stateDispatch
			c.stateName = stateNameDispatch
		}
		result := c.state()
		c.state = result.next
		if !result.pending {
			return
		}
	}
}

// wakeIfDispatching re-enters the state runner only if the engine is
// currently idle at the dispatch state, used after StartRequest so a newly
// queued request doesn't wait for the next heartbeat tick. Any other state
// is already waiting on a specific I/O completion; re-running it would
// resubmit that operation (e.g. a second Write of the same frame). Safe to
// call from any goroutine; never blocks on I/O itself (the state machine
// only ever arms callbacks and returns).
func (c *Conn) wakeIfDispatching() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateName == stateNameDispatch {
		c.runLocked()
	}
}

// armHeartbeat (re-)schedules the periodic heartbeat tick: it fires every
// Config.HeartbeatInterval, re-enters the dispatcher only if the Conn is
// currently sitting at the dispatch idle point (otherwise it's waiting on a
// specific I/O completion and must not be re-driven speculatively), and
// re-arms itself afterward unless the Conn has finished terminating
// (terminating set, disconnected, socket closed).
func (c *Conn) armHeartbeat() {
	c.heartbeat.WakeAt(c.cfg.HeartbeatInterval, c.onHeartbeat)
}

func (c *Conn) onHeartbeat() {
	c.mu.Lock()
	if c.stateName == stateNameDispatch {
		c.runLocked()
	}
	terminated := c.terminating && !c.connected && c.sock == nil
	c.mu.Unlock()

	if terminated {
		return
	}
	c.heartbeat.WakeAt(c.cfg.HeartbeatInterval, c.onHeartbeat)
}

// shutdown marks the Conn terminating and cancels the heartbeat, drives a
// graceful disconnect bounded by budget, then force-closes regardless and
// runs the context destructor. The forced re-entry is guarded the same way as
// wakeIfDispatching/onHeartbeat: a Conn parked in any other state is
// waiting on an armed socket operation, and re-running that state would
// re-issue the I/O (or, in start_connect, replace c.sock outright). For
// those the poll below waits out either the completion or the budget
// before force-closing.
func (c *Conn) shutdown(budget time.Duration) {
	c.mu.Lock()
	c.terminating = true
	c.heartbeat.Destroy()
	if c.stateName == stateNameDispatch {
		c.runLocked()
	}
	c.mu.Unlock()

	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		done := !c.connected && c.sock == nil
		c.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	c.hardClose()
	c.mu.Unlock()

	if c.destructor != nil && c.Context != nil {
		c.destructor(c.Context)
	}

	c.terminatedOnce.Do(func() { close(c.terminated) })
}
