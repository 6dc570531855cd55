// Package timerx implements the timer collaborator: a single re-armable
// timer per Conn that drives the heartbeat, whose periodic ticks are also
// what lets a pending retry or idle timeout take effect.
package timerx

import (
	"sync"
	"time"
)

// Func is invoked when a timer fires.
type Func func()

// Timer is a re-armable, cancelable single timer. The default implementation
// wraps time.AfterFunc; tests may substitute a manually driven fake via the
// Clock indirection below.
type Timer struct {
	mu    sync.Mutex
	clock Clock
	t     clockTimer
	fn    Func
}

// Clock abstracts time.AfterFunc so tests can drive timers without real
// sleeps. The default clock is realClock{}.
type Clock interface {
	AfterFunc(d time.Duration, f func()) clockTimer
}

// clockTimer is the minimal subset of *time.Timer the package needs.
type clockTimer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) clockTimer {
	return time.AfterFunc(d, f)
}

// New creates a Timer using the real wall clock.
func New() *Timer {
	return &Timer{clock: realClock{}}
}

// NewWithClock creates a Timer driven by an injected Clock, for tests.
func NewWithClock(c Clock) *Timer {
	return &Timer{clock: c}
}

// WakeAt arms (or re-arms) the timer to fire fn after d. Any previously
// scheduled fire is replaced.
func (t *Timer) WakeAt(d time.Duration, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fn = fn
	if t.t != nil {
		t.t.Stop()
	}
	t.t = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		f := t.fn
		t.mu.Unlock()
		if f != nil {
			f()
		}
	})
}

// Snooze reschedules the existing timer to fire after d from now, keeping
// the same callback. A no-op if the timer was never armed.
func (t *Timer) Snooze(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil {
		return
	}
	t.t.Reset(d)
}

// Destroy cancels the timer; it will not fire again.
func (t *Timer) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.fn = nil
}
