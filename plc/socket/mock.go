package socket

import "sync"

// MockSocket is a test double for Socket: call counts are tracked behind a
// mutex, and Connect/Write/Read never invoke their callback inline (a real
// socket never does either, which is exactly what lets the engine call into
// the socket while holding its own state-machine mutex). Instead each call
// records the callback and the scripted result; a test drives completions
// explicitly via FireConnect, FireWrite, FireRead, in whatever order and
// interleaving the scenario calls for.
type MockSocket struct {
	mu sync.Mutex

	ConnectCalls int
	WriteCalls   int
	ReadCalls    int
	CloseCalls   int

	connected bool
	closed    bool

	pendingConnect func()
	pendingWrite   func()
	pendingRead    func()

	// ConnectStatus/ConnectErr script the result of the next Connect call.
	ConnectStatus Status
	ConnectErr    error

	// WriteStatus/WriteErr/WriteN script the next Write call. WriteN < 0
	// means "report the full buffer as written".
	WriteStatus Status
	WriteErr    error
	WriteN      int

	// LastWrite is a copy of the most recent buffer handed to Write,
	// snapshotted at call time since the engine reuses/resets its shared
	// buffer immediately after arming the write callback.
	LastWrite []byte

	// ReadStatus/ReadErr/ReadData script the next Read call: ReadData is
	// copied into the caller's buffer (truncated to its capacity) and then
	// consumed (cleared) so the next Read starts fresh unless re-armed.
	ReadStatus Status
	ReadErr    error
	ReadData   []byte
}

// NewMockSocket creates a MockSocket scripted to succeed by default.
func NewMockSocket() *MockSocket {
	return &MockSocket{ConnectStatus: StatusOK, WriteStatus: StatusOK, WriteN: -1, ReadStatus: StatusOK}
}

func (m *MockSocket) Connect(host string, port int, cb ConnectFunc) {
	m.mu.Lock()
	m.ConnectCalls++
	status, err := m.ConnectStatus, m.ConnectErr
	m.pendingConnect = func() {
		if status == StatusOK {
			m.mu.Lock()
			m.connected = true
			m.closed = false
			m.mu.Unlock()
		}
		cb(status, err)
	}
	m.mu.Unlock()
}

func (m *MockSocket) Write(buf []byte, cb WriteFunc) {
	m.mu.Lock()
	m.WriteCalls++
	m.LastWrite = append([]byte(nil), buf...)
	status, err, n := m.WriteStatus, m.WriteErr, m.WriteN
	if n < 0 {
		n = len(buf)
	}
	m.pendingWrite = func() { cb(status, n, err) }
	m.mu.Unlock()
}

func (m *MockSocket) Read(buf []byte, cb ReadFunc) {
	m.mu.Lock()
	m.ReadCalls++
	status, err, data := m.ReadStatus, m.ReadErr, m.ReadData
	m.ReadData = nil
	m.pendingRead = func() {
		n := copy(buf, data)
		cb(status, n, err)
	}
	m.mu.Unlock()
}

func (m *MockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed = true
	m.connected = false
	return nil
}

func (m *MockSocket) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

// FireConnect runs the callback from the most recent Connect call. A no-op
// if Connect hasn't been called since the last Fire.
func (m *MockSocket) FireConnect() {
	m.mu.Lock()
	fn := m.pendingConnect
	m.pendingConnect = nil
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FireWrite runs the callback from the most recent Write call.
func (m *MockSocket) FireWrite() {
	m.mu.Lock()
	fn := m.pendingWrite
	m.pendingWrite = nil
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FireRead runs the callback from the most recent Read call.
func (m *MockSocket) FireRead() {
	m.mu.Lock()
	fn := m.pendingRead
	m.pendingRead = nil
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// HasPendingRead reports whether a Read is armed and awaiting FireRead,
// letting a test poll without racing the callback's own locking.
func (m *MockSocket) HasPendingRead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRead != nil
}

var _ Socket = (*MockSocket)(nil)
