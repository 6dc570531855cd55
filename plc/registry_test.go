package plc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-plc/conn/plc/attr"
	"github.com/go-plc/conn/plc/socket"
)

func testAttribs(gateway string) attr.Attribs {
	return attr.New(map[string]string{"gateway": gateway})
}

func echofixConstructor(defaultPort int) Constructor {
	return func(c *Conn, attribs attr.Attribs) (int, error) {
		return defaultPort, nil
	}
}

func TestRegistryGetConstructsOnce(t *testing.T) {
	r := NewRegistry()
	cfg := Config{NewSocket: func() socket.Socket { return socket.NewMockSocket() }}

	var constructed int
	var mu sync.Mutex
	cons := func(c *Conn, attribs attr.Attribs) (int, error) {
		mu.Lock()
		constructed++
		mu.Unlock()
		return 44818, nil
	}

	c1, err := r.Get("echofix", testAttribs("10.0.0.1"), cfg, cons)
	require.NoError(t, err)
	c2, err := r.Get("echofix", testAttribs("10.0.0.1"), cfg, cons)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, constructed)
	assert.Equal(t, 1, r.Len())

	r.Release(c1)
	assert.Equal(t, 1, r.Len()) // c2's reference still outstanding
	r.Release(c2)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryGetDistinguishesByKey(t *testing.T) {
	r := NewRegistry()
	cfg := Config{NewSocket: func() socket.Socket { return socket.NewMockSocket() }}
	cons := echofixConstructor(44818)

	a, err := r.Get("echofix", testAttribs("10.0.0.1"), cfg, cons)
	require.NoError(t, err)
	b, err := r.Get("echofix", testAttribs("10.0.0.2"), cfg, cons)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())

	r.Release(a)
	r.Release(b)
}

func TestRegistryGetMissingGatewayFails(t *testing.T) {
	r := NewRegistry()
	cfg := Config{NewSocket: func() socket.Socket { return socket.NewMockSocket() }}

	_, err := r.Get("echofix", attr.New(nil), cfg, echofixConstructor(44818))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadGateway))
}

func TestRegistryGetConstructorErrorNotRegistered(t *testing.T) {
	r := NewRegistry()
	cfg := Config{NewSocket: func() socket.Socket { return socket.NewMockSocket() }}
	boom := assert.AnError

	_, err := r.Get("echofix", testAttribs("10.0.0.1"), cfg, func(c *Conn, attribs attr.Attribs) (int, error) {
		return 0, boom
	})
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryGetConcurrentRacesCollapseToOneConstruct(t *testing.T) {
	r := NewRegistry()
	cfg := Config{NewSocket: func() socket.Socket { return socket.NewMockSocket() }}

	var constructed int32
	var mu sync.Mutex
	cons := func(c *Conn, attribs attr.Attribs) (int, error) {
		mu.Lock()
		constructed++
		mu.Unlock()
		return 44818, nil
	}

	const n = 16
	var wg sync.WaitGroup
	conns := make([]*Conn, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = r.Get("echofix", testAttribs("10.0.0.1"), cfg, cons)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i])
	}
	mu.Lock()
	assert.Equal(t, int32(1), constructed)
	mu.Unlock()

	for i := 0; i < n; i++ {
		r.Release(conns[i])
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistryClosereleasesEveryEntry(t *testing.T) {
	r := NewRegistry()
	cfg := Config{NewSocket: func() socket.Socket { return socket.NewMockSocket() }}
	cons := echofixConstructor(44818)

	_, err := r.Get("echofix", testAttribs("10.0.0.1"), cfg, cons)
	require.NoError(t, err)
	_, err = r.Get("echofix", testAttribs("10.0.0.2"), cfg, cons)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	r.Close()
	assert.Equal(t, 0, r.Len())
}

func TestReleaseUnknownConnIsNoOp(t *testing.T) {
	r := NewRegistry()
	cfg := Config{NewSocket: func() socket.Socket { return socket.NewMockSocket() }}
	other := newConn("other/x/y", "x", 1, "y", cfg)
	assert.NotPanics(t, func() { r.Release(other) })
}
