// Package layer defines the contract each protocol layer in a PLC dialect's
// stack implements, and the singly linked stack that chains them together.
//
// A dialect composes a stack by pushing layers innermost-first: the outermost
// envelope (say, a transport framing layer) is pushed last so it ends up at
// the head, with the innermost command layer pushed first. The connection
// engine only ever talks to the head layer; each layer is responsible for
// delegating to Next when its own header/trailer work is done.
package layer

import "fmt"

// Status is the result a Layer operation hands back to the engine.
type Status int

const (
	// StatusOK means the layer is satisfied; the engine proceeds to the
	// next phase (down the stack on build, up the stack on response).
	StatusOK Status = iota
	// StatusPending means the layer wants another pass: either it needs
	// to emit a handshake frame (connect/disconnect) or it has packed one
	// request and is willing to accept another (build), or more complete
	// sub-responses remain in the buffer (process response).
	StatusPending
	// StatusPartial means the layer needs more bytes from the socket
	// before it can make progress (process response only).
	StatusPartial
	// StatusRetry means the layer wants the engine to rebuild and re-send
	// the current phase's request (used for multi-step handshakes).
	StatusRetry
	// StatusTooSmall means ReserveSpace could not fit this request in the
	// remaining buffer window. Unlike StatusError this is not a protocol
	// failure: if earlier requests already packed successfully, the
	// engine sends what it has and leaves this one queued for the next
	// pass instead of tearing down the connection.
	StatusTooSmall
	// StatusError means the layer failed; the engine applies its error
	// policy (disconnect-and-backoff, or hard reset during disconnect).
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPending:
		return "pending"
	case StatusPartial:
		return "partial"
	case StatusRetry:
		return "retry"
	case StatusTooSmall:
		return "too_small"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Layer is the contract each envelope in a dialect's protocol stack
// implements. All offset-mutating operations take the shared buffer plus
// pointers to the start/end markers that bound the region this layer (and
// everything below it) may use; a layer narrows the window for layers
// further down the stack and widens it back on the way up.
//
// Layers are stateless across invocations except for whatever private state
// they keep in their own receiver; the engine owns the shared buffer and the
// start/end bookkeeping.
type Layer interface {
	// Initialize resets layer-local state. Idempotent.
	Initialize() error

	// Connect writes this layer's connect handshake payload into
	// buf[*start:*end]. Returns StatusOK if this layer needs no handshake
	// of its own (the engine proceeds further down the stack), or
	// StatusPending if this layer wants to emit a frame.
	Connect(buf []byte, start, end *int) (Status, error)

	// Disconnect is the symmetric counterpart of Connect for teardown.
	Disconnect(buf []byte, start, end *int) (Status, error)

	// ReserveSpace is called top-down before a request is built. The
	// layer advances *start past its own header area and pulls *end in
	// to leave room for its trailer, optionally assigning reqID so outer
	// layers (and the eventual response) can be correlated. Returns
	// StatusTooSmall (not StatusError) when the remaining window is too
	// small for this layer's own header/trailer.
	ReserveSpace(buf []byte, start, end *int, reqID *int64) (Status, error)

	// Build is called bottom-up once the request's payload is in place.
	// The layer fills in the header/trailer it reserved. StatusOK means
	// this layer is willing to let the engine send the frame as-is;
	// StatusPending signals the engine may still try to pack another
	// queued request into the remaining space; StatusError aborts.
	Build(buf []byte, start, end *int, reqID *int64) (Status, error)

	// ProcessResponse is called bottom-up on a received frame. On entry
	// buf[*start:*end] bounds the region the outer layer has already
	// attributed to this layer; on return it bounds the inner layer's
	// payload. May return StatusPartial (need more socket bytes),
	// StatusRetry (reconnect and re-try this phase), StatusPending (more
	// sub-packets remain in the buffer), StatusOK (one complete response;
	// reqID identifies the matching request), or StatusError.
	ProcessResponse(buf []byte, start, end *int, reqID *int64) (Status, error)
}

// Stack is an ordered, singly linked chain of layers, top-first. New layers
// are pushed at the head, so a dialect constructor that wants
// transport(session(routing(command))) pushes command first and transport
// last. The engine only ever calls methods on Head(); each Layer is expected
// to cooperate with whatever comes after it in the chain via its own
// Next-delegation logic (neither the Stack nor the engine auto-chains calls —
// a dialect's layers call into each other; see layerfix for a concrete
// two-layer example).
type Stack struct {
	head *node
}

type node struct {
	layer Layer
	next  *node
}

// NewStack creates an empty layer stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push adds l to the head of the stack, making it the new outermost layer.
func (s *Stack) Push(l Layer) {
	s.head = &node{layer: l, next: s.head}
}

// Head returns the outermost layer, or nil if the stack is empty.
func (s *Stack) Head() Layer {
	if s.head == nil {
		return nil
	}
	return s.head.layer
}

// Layers returns the chain from outermost to innermost. Callers use this to
// drive top-down (reserve) or bottom-up (build, process response) passes
// without the Stack needing to know per-phase ordering rules.
func (s *Stack) Layers() []Layer {
	var out []Layer
	for n := s.head; n != nil; n = n.next {
		out = append(out, n.layer)
	}
	return out
}

// Empty reports whether the stack has no layers.
func (s *Stack) Empty() bool {
	return s.head == nil
}

// Initialize calls Initialize on every layer in the stack, outermost first.
func (s *Stack) Initialize() error {
	for n := s.head; n != nil; n = n.next {
		if err := n.layer.Initialize(); err != nil {
			return err
		}
	}
	return nil
}
