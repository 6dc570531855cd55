package queue

import "errors"

// ErrBusy is returned by Start when the request is already linked into a
// queue. ErrNotFound is returned by Stop when the request is not linked.
// The engine package maps these onto plc.ErrBusy / plc.ErrNotFound.
//
// ErrTooSmall is a BuildFunc may return (wrapped, via errors.Is) to tell the
// packing pass that the request simply doesn't fit in the remaining buffer
// window, as distinct from a genuine encoding failure: the former lets
// already-packed requests go out as-is, the latter aborts the connection.
var (
	ErrBusy     = errors.New("queue: request already queued")
	ErrNotFound = errors.New("queue: request not on queue")
	ErrTooSmall = errors.New("queue: request does not fit in remaining buffer")
)
