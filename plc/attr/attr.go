// Package attr implements the attribute bag consulted when a PLC instance
// is constructed: a flat string map with typed, coercing getters built on
// github.com/spf13/cast.
package attr

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cast"
)

// DefaultPath is used when the "path" attribute is absent.
const DefaultPath = "NO_PATH"

// DefaultIdleTimeoutMS is used when "idle_timeout_ms" is absent.
const DefaultIdleTimeoutMS = 5000

// Attribs is the attribute bag: a string-keyed map consulted at
// construction time. Recognized keys: gateway, path, default_port,
// idle_timeout_ms.
type Attribs map[string]string

// New creates an Attribs from a plain map, copying it so callers can't
// mutate the bag out from under a live construction.
func New(m map[string]string) Attribs {
	a := make(Attribs, len(m))
	for k, v := range m {
		a[k] = v
	}
	return a
}

// GetString returns the raw string value for key, or def if absent.
func (a Attribs) GetString(key, def string) string {
	if v, ok := a[key]; ok {
		return v
	}
	return def
}

// GetInt coerces the value for key to an int using cast, returning def if
// the key is absent or the value doesn't parse.
func (a Attribs) GetInt(key string, def int) int {
	v, ok := a[key]
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// GetIntRange is GetInt clamped to [lo, hi] inclusive.
func (a Attribs) GetIntRange(key string, def, lo, hi int) int {
	n := a.GetInt(key, def)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Gateway parses the required "gateway" attribute of the form host[:port],
// falling back to defaultPort when no port is present. Returns
// (host, port, err); err is non-nil (bad_gateway class) if the attribute is
// missing or the host is empty.
func (a Attribs) Gateway(defaultPort int) (host string, port int, err error) {
	raw, ok := a["gateway"]
	if !ok || raw == "" {
		return "", 0, fmt.Errorf("attr: gateway attribute missing")
	}

	h, p, splitErr := net.SplitHostPort(raw)
	if splitErr != nil {
		// No port present; treat the whole value as the host.
		if h == "" {
			h = raw
		}
		if h == "" {
			return "", 0, fmt.Errorf("attr: gateway host is empty")
		}
		return h, defaultPort, nil
	}

	if h == "" {
		return "", 0, fmt.Errorf("attr: gateway host is empty")
	}

	portNum, perr := strconv.Atoi(p)
	if perr != nil || portNum <= 0 {
		return "", 0, fmt.Errorf("attr: gateway port %q invalid", p)
	}
	return h, portNum, nil
}

// Path returns the "path" attribute, defaulting to DefaultPath.
func (a Attribs) Path() string {
	return a.GetString("path", DefaultPath)
}

// IdleTimeoutMS returns the "idle_timeout_ms" attribute clamped to
// [0, maxIdleTimeoutMS]. maxIdleTimeoutMS is caller-supplied (Config's
// MaxIdleTimeoutMS, default 5000) rather than a hidden constant, so a
// dialect can widen or narrow the allowed range per gateway.
func (a Attribs) IdleTimeoutMS(maxIdleTimeoutMS int) int {
	return a.GetIntRange("idle_timeout_ms", DefaultIdleTimeoutMS, 0, maxIdleTimeoutMS)
}
