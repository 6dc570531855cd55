// Package plc is the per-PLC connection engine: the lifecycle state
// machine, the layered codec pipeline it drives, the request queue and
// multi-request packing, the response demultiplexer, and the
// heartbeat/idle/retry timing discipline.
package plc

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-plc/conn/plc/buffer"
	"github.com/go-plc/conn/plc/layer"
	"github.com/go-plc/conn/plc/plclog"
	"github.com/go-plc/conn/plc/queue"
	"github.com/go-plc/conn/plc/socket"
	"github.com/go-plc/conn/plc/timerx"
)

// Config tunes a Conn's timing discipline and collaborators. Zero values
// are replaced by sane defaults (applyDefaults); callers normally build one
// Config and hand it to a Registry, which applies it to every Conn it
// constructs.
type Config struct {
	// MaxIdleTimeoutMS bounds the "idle_timeout_ms" attribute a dialect's
	// attribute bag can request, rather than enforcing a hidden constant.
	MaxIdleTimeoutMS int

	// RetryFloorMS and RetryCapMS bound the exponential backoff applied
	// after a connection error: the interval at least doubles on each
	// consecutive error and stays within [RetryFloorMS, RetryCapMS].
	RetryFloorMS int
	RetryCapMS   int

	// HeartbeatInterval is how often the scheduler re-enters the
	// dispatcher even with no socket activity.
	HeartbeatInterval time.Duration

	// DisconnectBudget bounds how long destruction waits for a graceful
	// disconnect before force-closing.
	DisconnectBudget time.Duration

	// BufferSize is the initial shared buffer capacity; the dialect
	// constructor or SetBufferSize may grow it later.
	BufferSize int

	// NewSocket creates a fresh Socket for each connect attempt. Required;
	// a Conn with a nil factory fails every connect attempt with
	// CodeNullPtr.
	NewSocket func() socket.Socket

	// Logger is the base logrus logger every Conn's plclog.Logger wraps.
	// Defaults to logrus.StandardLogger().
	Logger *logrus.Logger

	// Observer receives metrics callbacks; defaults to NoOpObserver{}.
	Observer Observer
}

func (c *Config) applyDefaults() {
	if c.MaxIdleTimeoutMS <= 0 {
		c.MaxIdleTimeoutMS = 5000
	}
	if c.RetryFloorMS <= 0 {
		c.RetryFloorMS = 1000
	}
	if c.RetryCapMS <= 0 {
		c.RetryCapMS = 16000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 200 * time.Millisecond
	}
	if c.DisconnectBudget <= 0 {
		c.DisconnectBudget = 500 * time.Millisecond
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.Observer == nil {
		c.Observer = NoOpObserver{}
	}
}

// stateResult is what a state function hands back to the runner loop: the
// next state to enter, and whether the runner should tail-call into it
// immediately (pending) or release the mutex and wait for an external
// wakeup (not pending).
type stateResult struct {
	next    stateFunc
	pending bool
}

type stateFunc func() stateResult

// Conn is one PLC connection: the shared buffer, layer stack, request
// queue, current state, and all timing/retry bookkeeping, serialized by a
// single mutex so only one state function runs at a time and a request's
// process callback always sees a consistent view of the connection.
type Conn struct {
	key  string
	host string
	port int

	cfg Config
	log *plclog.Logger

	mu        sync.Mutex
	state     stateFunc
	stateName string

	stack *layer.Stack
	queue *queue.Queue
	buf   *buffer.Buffer

	sock      socket.Socket
	connected bool

	terminating    bool
	terminated     chan struct{}
	terminatedOnce sync.Once

	heartbeat *timerx.Timer

	retryIntervalMS int
	nextRetryTime   time.Time

	idleTimeoutMS   int
	nextIdleTimeout time.Time

	// currentReqID is a scratch field written while reserving space for
	// a connect/tag request, kept for log correlation during connect and
	// disconnect handshakes. It is never consulted by the response path:
	// disambiguation there is solely by queue.Request.ReqID.
	currentReqID int64

	// rxCursor tracks how much of the receive buffer has already been
	// parsed across repeated ProcessResponse calls within one
	// tag_resp_ready entry.
	rxCursor int

	// ioSeq guards against a stray completion firing after the state
	// that armed it has already moved on to something else.
	ioSeq uint64

	// Context is an opaque value owned by the dialect constructor, torn
	// down by destructor when the Conn is destroyed.
	Context    any
	destructor func(any)

	metrics *Metrics
}

func newConn(key, host string, port int, path string, cfg Config) *Conn {
	cfg.applyDefaults()
	c := &Conn{
		key:             key,
		host:            host,
		port:            port,
		cfg:             cfg,
		log:             plclog.New(cfg.Logger, key, host, path),
		stack:           layer.NewStack(),
		queue:           queue.New(),
		buf:             buffer.New(cfg.BufferSize),
		retryIntervalMS: cfg.RetryFloorMS,
		idleTimeoutMS:   DefaultIdleTimeoutMS,
		currentReqID:    queue.UnassignedReqID,
		terminated:      make(chan struct{}),
		metrics:         NewMetrics(),
	}
	c.heartbeat = timerx.New()
	c.state = c.stateDispatch
	c.stateName = stateNameDispatch
	return c
}

// DefaultIdleTimeoutMS is used until a constructor or SetIdleTimeout
// overrides it.
const DefaultIdleTimeoutMS = 5000

// Key returns the "dialect/gateway/path" identity this Conn was registered
// under.
func (c *Conn) Key() string { return c.key }

// Connected reports whether the connect handshake last succeeded and no
// disconnect or reset has since been observed.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stack returns the layer stack, for dialect constructors to Push onto
// before the Conn is handed out by the registry.
func (c *Conn) Stack() *layer.Stack { return c.stack }

// StartRequest attaches req to the queue and, if the engine is currently
// idle at dispatch, wakes the state runner immediately so it doesn't wait
// for the next heartbeat tick. Re-entering the runner unconditionally
// would re-run whatever state is currently in flight — e.g. re-submitting
// an armed write — so this only wakes when the engine is at the dispatch
// state. Returns plc.ErrBusy if req is already queued.
func (c *Conn) StartRequest(req *queue.Request) error {
	if err := c.queue.Start(req); err != nil {
		return NewKeyError("start_request", c.key, CodeBusy, err.Error())
	}
	c.wakeIfDispatching()
	return nil
}

// StopRequest unlinks req from the queue. If its response is already in
// flight, the engine will fail to match it and silently discard it.
func (c *Conn) StopRequest(req *queue.Request) error {
	if err := c.queue.Stop(req); err != nil {
		return NewKeyError("stop_request", c.key, CodeNotFound, err.Error())
	}
	return nil
}

// SetBufferSize grows the shared buffer to at least n bytes. Exposed as a
// public operation so callers aren't limited to whatever size a dialect
// constructor happened to pick.
func (c *Conn) SetBufferSize(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.buf.Grow(n); err != nil {
		return NewKeyError("set_buffer_size", c.key, CodeTooSmall, err.Error())
	}
	return nil
}

// Initialize forces a reset to the idle state: closes the socket if open,
// reinitializes the layer stack, and clears connected. A no-op (other
// than the log line) on a Conn that is already idle.
func (c *Conn) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetConn("initialize")
	c.enterState(stateNameDispatch, c.stateDispatch)
	return nil
}

// SetIdleTimeout sets the idle timeout in milliseconds. A value outside
// [0, Config.MaxIdleTimeoutMS] is rejected with a CodeOutOfBounds error and
// the current timeout is left unchanged.
func (c *Conn) SetIdleTimeout(ms int) error {
	if ms < 0 || ms > c.cfg.MaxIdleTimeoutMS {
		return NewKeyError("set_idle_timeout", c.key, CodeOutOfBounds, "idle timeout out of range")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleTimeoutMS = ms
	return nil
}

// GetIdleTimeout returns the current idle timeout in milliseconds.
func (c *Conn) GetIdleTimeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleTimeoutMS
}

// SetDestructor registers fn to tear down Context when the Conn is
// destroyed. Dialect constructors call it alongside setting Context.
func (c *Conn) SetDestructor(fn func(any)) { c.destructor = fn }

// Metrics returns the Conn's metrics instance for callers that want to read
// a Snapshot directly in addition to (or instead of) a Config.Observer.
func (c *Conn) Metrics() *Metrics { return c.metrics }
