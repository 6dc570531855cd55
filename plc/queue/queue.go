// Package queue implements the FIFO of outstanding tag requests: a request
// is attached via Start, dispatched in arrival order, and removed either
// explicitly via Stop or implicitly once its response has been fully
// handled by the engine.
package queue

import (
	"container/list"
	"sync"
	"time"
)

// UnassignedReqID is the sentinel value a Request carries before it has
// been handed to a layer stack's build pass for the first time.
const UnassignedReqID int64 = -1

// BuildFunc fills the request's payload into buf[*start:*end), narrowing or
// widening the window the way a Layer does. It should return ErrTooSmall
// (or an error wrapping it) when the window is too small for the payload;
// any other error is treated as a genuine encoding failure.
type BuildFunc func(buf []byte, start, end *int) error

// ProcessFunc is invoked once a matching response has been demultiplexed,
// with buf[start:end] bounding the request's reply payload.
type ProcessFunc func(buf []byte, start, end int) error

// Request is one outstanding tag operation. A Request must appear in at
// most one Queue at a time; ReqID becomes non-negative only after the
// request has been handed to the layer stack's build pass once.
type Request struct {
	// Context is an opaque value owned by the caller (the tag
	// implementation), round-tripped unchanged.
	Context any

	// ReqID is the dialect-opaque identifier threaded through layers so
	// a response can be matched back to this request. UnassignedReqID
	// until the first successful build.
	ReqID int64

	Build   BuildFunc
	Process ProcessFunc

	// SentAt is stamped by the engine when the request is packed into a
	// frame, for round-trip latency accounting. Zero until first sent.
	SentAt time.Time

	elem *list.Element // set while linked into a Queue; nil otherwise
}

// Queue is a FIFO of *Request with O(1) push/pop at the ends and O(n)
// membership testing.
type Queue struct {
	mu sync.Mutex
	l  *list.List
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{l: list.New()}
}

// Start appends req to the tail of the queue. It rejects a request that is
// already linked; the engine package wraps this as plc.ErrBusy.
func (q *Queue) Start(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.elem != nil {
		return ErrBusy
	}
	req.ReqID = UnassignedReqID
	req.elem = q.l.PushBack(req)
	return nil
}

// Stop unlinks req from the queue. If its response later arrives, the
// engine will fail to match it against the queue head (which is no longer
// req) and silently discard it.
func (q *Queue) Stop(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.elem == nil {
		return ErrNotFound
	}
	q.l.Remove(req.elem)
	req.elem = nil
	return nil
}

// Head returns the next candidate for dispatch, or nil if the queue is
// empty. It does not remove the request.
func (q *Queue) Head() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head()
}

func (q *Queue) head() *Request {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Request)
}

// PopHead removes and returns the head request, or nil if empty.
func (q *Queue) PopHead() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.l.Front()
	if front == nil {
		return nil
	}
	req := front.Value.(*Request)
	q.l.Remove(front)
	req.elem = nil
	return req
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// Empty reports whether the queue has no requests.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// All returns a snapshot slice of the queue contents, head first, used by
// the multi-request packing pass in the engine to walk candidates without
// holding the queue lock across layer callbacks.
func (q *Queue) All() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Request, 0, q.l.Len())
	for e := q.l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Request))
	}
	return out
}

// Remove unlinks req if still present; it is a no-op if req is not linked
// (e.g. already removed by Stop concurrently). Used by the packing pass to
// drop a request whose build failed with a genuine error.
func (q *Queue) Remove(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.elem == nil {
		return
	}
	q.l.Remove(req.elem)
	req.elem = nil
}
