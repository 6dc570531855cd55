package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClampsNegativeSize(t *testing.T) {
	b := New(-5)
	assert.Equal(t, 0, b.Cap())
}

func TestGrowRefusesNonPositive(t *testing.T) {
	b := New(16)
	assert.ErrorIs(t, b.Grow(0), ErrTooSmall)
	assert.ErrorIs(t, b.Grow(-1), ErrTooSmall)
	assert.Equal(t, 16, b.Cap())
}

func TestGrowNoOpWhenAlreadyCovered(t *testing.T) {
	b := New(64)
	copy(b.Bytes(), []byte("hello"))
	require.NoError(t, b.Grow(32))
	assert.Equal(t, 64, b.Cap())
	assert.Equal(t, byte('h'), b.Bytes()[0])
}

func TestGrowPreservesContents(t *testing.T) {
	b := New(4)
	copy(b.Bytes(), []byte("abcd"))
	require.NoError(t, b.Grow(8))
	assert.Equal(t, 8, b.Cap())
	assert.Equal(t, []byte("abcd"), b.Bytes()[:4])
}

func TestPayloadAndReset(t *testing.T) {
	b := New(16)
	b.PayloadStart, b.PayloadEnd = 2, 6
	assert.Equal(t, 4, len(b.Payload()))

	b.Reset()
	assert.Equal(t, 0, b.PayloadStart)
	assert.Equal(t, 0, b.PayloadEnd)
}
