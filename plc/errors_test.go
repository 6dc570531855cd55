package plc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewErrorFormatsWithoutKey(t *testing.T) {
	err := NewError("get", CodeBadGateway, "gateway host missing or zero length")
	assert.Equal(t, "plc: gateway host missing or zero length (op=get)", err.Error())
}

func TestNewKeyErrorFormatsWithKey(t *testing.T) {
	err := NewKeyError("start_request", "modbus/10.0.0.1/NO_PATH", CodeBusy, "request already queued")
	assert.Equal(t, "plc: modbus/10.0.0.1/NO_PATH: request already queued (op=start_request)", err.Error())
}

func TestErrorDefaultsMsgToCode(t *testing.T) {
	err := NewError("op", CodeRetry, "")
	assert.Equal(t, "plc: retry (op=op)", err.Error())
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewError("start_request", CodeBusy, "first")
	b := NewError("stop_request", CodeBusy, "second")
	c := NewError("get", CodeBadGateway, "third")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestErrorIsFalseForNonPlcError(t *testing.T) {
	a := NewError("op", CodeBusy, "msg")
	assert.False(t, a.Is(nil))
	assert.False(t, errors.Is(a, fmt.Errorf("plain")))
}

func TestWrapErrorPreservesInnerCode(t *testing.T) {
	inner := NewError("reserve_space", CodeTooSmall, "buffer too small")
	wrapped := WrapError("build_tag_req", inner)

	assert.Equal(t, CodeTooSmall, wrapped.Code)
	assert.Equal(t, "build_tag_req", wrapped.Op)
	assert.True(t, errors.Is(wrapped, inner))
}

func TestWrapErrorGenericError(t *testing.T) {
	wrapped := WrapError("get", fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, CodeError, wrapped.Code)
	assert.ErrorContains(t, wrapped, "connection refused")
}

func TestWrapErrorNilIsNil(t *testing.T) {
	assert.Nil(t, WrapError("op", nil))
}

func TestUnwrapReturnsInner(t *testing.T) {
	inner := fmt.Errorf("boom")
	wrapped := WrapError("op", inner)
	assert.Equal(t, inner, errors.Unwrap(wrapped))
}

func TestIsCode(t *testing.T) {
	err := NewKeyError("set_idle_timeout", "k", CodeOutOfBounds, "out of range")
	assert.True(t, IsCode(err, CodeOutOfBounds))
	assert.False(t, IsCode(err, CodeBusy))
	assert.False(t, IsCode(fmt.Errorf("plain"), CodeBusy))
}

func TestSentinelErrorsCarryExpectedCodes(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{ErrBusy, CodeBusy},
		{ErrNotFound, CodeNotFound},
		{ErrBadGateway, CodeBadGateway},
		{ErrOutOfBounds, CodeOutOfBounds},
		{ErrTooSmall, CodeTooSmall},
		{ErrNullPtr, CodeNullPtr},
	}
	for _, tc := range cases {
		assert.True(t, IsCode(tc.err, tc.code))
	}
}
