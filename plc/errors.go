package plc

import (
	"errors"
	"fmt"
)

// Code is the error taxonomy surfaced at the library boundary, carried by
// the *Error values the public API returns. Layers, the socket collaborator,
// and request callbacks report through their own types (layer.Status,
// socket.Status, queue errors), which the engine maps onto its recovery
// policy (disconnect-and-retry vs. hard reset).
type Code string

const (
	CodeOK          Code = "ok"
	CodePending     Code = "pending"
	CodePartial     Code = "partial"
	CodeRetry       Code = "retry"
	CodeBusy        Code = "busy"
	CodeNotFound    Code = "not_found"
	CodeNoMem       Code = "no_mem"
	CodeBadGateway  Code = "bad_gateway"
	CodeOutOfBounds Code = "out_of_bounds"
	CodeTooSmall    Code = "too_small"
	CodeNullPtr     Code = "null_ptr"
	CodeError       Code = "error" // generic, non-recoverable layer/socket failure
)

// Error is a structured error carrying the PLC key and the operation that
// failed, so logs and callers can tell which connection misbehaved.
type Error struct {
	Op    string // operation that failed, e.g. "reserve_space", "start_connect"
	Key   string // PLC key "dialect/gateway/path" (empty if not applicable)
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Key != "" {
		return fmt.Sprintf("plc: %s: %s (op=%s)", e.Key, msg, e.Op)
	}
	return fmt.Sprintf("plc: %s (op=%s)", msg, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError builds a structured Error for the given operation and code.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewKeyError is NewError with the PLC key attached, for engine-internal use.
func NewKeyError(op, key string, code Code, msg string) *Error {
	return &Error{Op: op, Key: key, Code: code, Msg: msg}
}

// WrapError wraps an arbitrary error with plc context, preserving an inner
// *Error's code where possible.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, Key: pe.Key, Code: pe.Code, Msg: pe.Msg, Inner: pe.Inner}
	}
	return &Error{Op: op, Code: CodeError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or something it wraps) carries the given Code.
func IsCode(err error, code Code) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// Sentinel errors for the common cases callers compare against directly.
var (
	ErrBusy        = NewError("start_request", CodeBusy, "request already queued")
	ErrNotFound    = NewError("stop_request", CodeNotFound, "request not on queue")
	ErrBadGateway  = NewError("get", CodeBadGateway, "gateway host missing or malformed")
	ErrOutOfBounds = NewError("idle_timeout", CodeOutOfBounds, "value out of allowed range")
	ErrTooSmall    = NewError("set_buffer_size", CodeTooSmall, "buffer size must be positive")
	ErrNullPtr     = NewError("conn", CodeNullPtr, "nil receiver")
)
