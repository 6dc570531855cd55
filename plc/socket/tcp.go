//go:build unix

package socket

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TCP is the default Socket implementation: a single long-lived TCP
// connection dialed and driven by a private goroutine per in-flight
// operation, so Connect/Write/Read never block the caller. Keepalive is
// tuned through net.TCPConn; TCP_NODELAY is set on the raw fd via
// golang.org/x/sys/unix.
type TCP struct {
	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	keepFor time.Duration
}

// NewTCP creates a TCP socket with the given TCP keepalive interval. A
// non-positive keepFor disables keepalive tuning.
func NewTCP(keepFor time.Duration) *TCP {
	return &TCP{keepFor: keepFor}
}

func (t *TCP) Connect(host string, port int, cb ConnectFunc) {
	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			cb(StatusError, err)
			return
		}

		t.tuneKeepalive(conn)

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			cb(StatusError, fmt.Errorf("socket: closed during connect"))
			return
		}
		t.conn = conn
		t.mu.Unlock()

		cb(StatusOK, nil)
	}()
}

func (t *TCP) tuneKeepalive(conn net.Conn) {
	if t.keepFor <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(t.keepFor)

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	_ = rawConn.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

func (t *TCP) Write(buf []byte, cb WriteFunc) {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		go cb(StatusError, 0, fmt.Errorf("socket: not connected"))
		return
	}

	go func() {
		n, err := conn.Write(buf)
		if err != nil {
			cb(StatusError, n, err)
			return
		}
		cb(StatusOK, n, nil)
	}()
}

func (t *TCP) Read(buf []byte, cb ReadFunc) {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		go cb(StatusError, 0, fmt.Errorf("socket: not connected"))
		return
	}

	go func() {
		n, err := conn.Read(buf)
		if err != nil {
			cb(StatusError, n, err)
			return
		}
		cb(StatusOK, n, nil)
	}()
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCP) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.conn != nil
}

var _ Socket = (*TCP)(nil)
