package plc

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/go-plc/conn/plc/attr"
)

// Constructor is supplied by a dialect: given the freshly allocated Conn and
// the attribute bag it was requested with, it pushes the dialect's layers
// onto c.Stack(), sets c.Context (and, if needed, its destructor via
// c.SetDestructor), and
// returns the port to use when "gateway" doesn't specify one. A non-nil
// error aborts Get.
type Constructor func(c *Conn, attribs attr.Attribs) (defaultPort int, err error)

// Registry is the process-wide (or explicitly scoped) map from
// "dialect/gateway/path" key to a shared, reference-counted Conn. Go has no
// deterministic destructors, so reference counting is an explicit Release()
// that decrements a counter and triggers graceful shutdown at zero.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	group   singleflight.Group
}

type registryEntry struct {
	conn refs
}

type refs struct {
	conn  *Conn
	count int
}

// NewRegistry creates an empty Registry. Most applications use the shared
// Default() registry; NewRegistry is for callers who want isolated PLC
// pools (e.g. per-tenant, or tests that don't want to share state with
// other tests touching Default()).
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

var defaultRegistry = NewRegistry()

// Default returns the package-level Registry, for callers that want that
// ergonomic rather than threading a Registry value through their own code.
func Default() *Registry { return defaultRegistry }

// Get returns the shared Conn for dialect/gateway/path, constructing one
// with cons if none exists yet. The returned Conn's reference count is
// incremented; callers must call Release when done.
func (r *Registry) Get(dialect string, attribs attr.Attribs, cfg Config, cons Constructor) (*Conn, error) {
	gateway := attribs.GetString("gateway", "")
	if gateway == "" {
		return nil, NewError("get", CodeBadGateway, "gateway host missing or zero length")
	}
	path := attribs.Path()
	key := fmt.Sprintf("%s/%s/%s", dialect, gateway, path)

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.conn.count++
		c := e.conn.conn
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	// singleflight collapses concurrent first-Get races for the same key
	// onto one constructor invocation instead of racing two allocations
	// against the registry mutex. The constructor only pushes layers and
	// parses attributes here; it never dials I/O.
	ran := false
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		ran = true
		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			e.conn.count++
			c := e.conn.conn
			r.mu.Unlock()
			return c, nil
		}
		r.mu.Unlock()

		c, err := r.construct(key, dialect, attribs, cfg, cons)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if e, ok := r.entries[key]; ok {
			// Lost the race to a concurrent Get that didn't share this
			// singleflight call (shouldn't happen in practice since the
			// key is the dedup key, but stay defensive).
			e.conn.count++
			c2 := e.conn.conn
			r.mu.Unlock()
			go r.shutdownUnreferenced(c)
			return c2, nil
		}
		r.entries[key] = &registryEntry{conn: refs{conn: c, count: 1}}
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(*Conn)
	if !ran {
		// This caller shared another caller's Do result; take its own
		// reference, since only the caller that ran the function counted one.
		r.mu.Lock()
		if e, ok := r.entries[key]; ok && e.conn.conn == c {
			e.conn.count++
		}
		r.mu.Unlock()
	}
	return c, nil
}

func (r *Registry) construct(key, dialect string, attribs attr.Attribs, cfg Config, cons Constructor) (*Conn, error) {
	host, _, gwErr := attribs.Gateway(0)
	if gwErr != nil {
		return nil, &Error{Op: "get", Key: key, Code: CodeBadGateway, Msg: gwErr.Error(), Inner: gwErr}
	}

	c := newConn(key, host, 0, attribs.Path(), cfg)
	if cons != nil {
		defaultPort, err := cons(c, attribs)
		if err != nil {
			return nil, WrapError("get", err)
		}
		_, port, err := attribs.Gateway(defaultPort)
		if err != nil {
			return nil, &Error{Op: "get", Key: key, Code: CodeBadGateway, Msg: err.Error(), Inner: err}
		}
		c.port = port
	}

	if err := c.stack.Initialize(); err != nil {
		return nil, WrapError("get", err)
	}

	maxIdle := c.cfg.MaxIdleTimeoutMS
	if maxIdle <= 0 {
		maxIdle = 5000
	}
	c.idleTimeoutMS = attribs.IdleTimeoutMS(maxIdle)

	c.armHeartbeat()
	c.log.Info("plc constructed", map[string]interface{}{"host": c.host, "port": c.port})
	return c, nil
}

// Release decrements c's reference count; at zero it drives c through
// graceful shutdown: mark terminating, stop the heartbeat, run the state
// machine to drive a graceful disconnect, close the socket, and destroy the
// context via its destructor.
func (r *Registry) Release(c *Conn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	e, ok := r.entries[c.key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.conn.count--
	last := e.conn.count <= 0
	if last {
		delete(r.entries, c.key)
	}
	r.mu.Unlock()

	if last {
		c.shutdown(c.cfg.DisconnectBudget)
	}
}

// shutdownUnreferenced tears down a Conn that lost a singleflight
// construct-race and was never published into the map.
func (r *Registry) shutdownUnreferenced(c *Conn) {
	c.shutdown(c.cfg.DisconnectBudget)
}

// Len reports how many distinct PLC connections are currently registered,
// for diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close releases every Conn still registered, regardless of reference
// count, driving each through graceful shutdown. Intended for process
// teardown or test cleanup.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn.conn)
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.shutdown(c.cfg.DisconnectBudget)
		}(c)
	}
	wg.Wait()
}
