// Package plclog provides the structured logger every Conn carries,
// wrapping github.com/sirupsen/logrus with request-scoped fields. Each
// connect attempt gets a fresh span ID (a UUIDv7 from github.com/google/uuid)
// so a noisy log can still be split back into individual connect/disconnect
// cycles.
package plclog

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry pre-tagged with the owning Conn's identity.
// All engine log calls go through the handful of methods here rather than
// touching logrus directly, so the field set stays consistent.
type Logger struct {
	entry *logrus.Entry
}

// New creates a Logger for a PLC keyed by dialect/gateway/path, logging
// through base (or logrus.StandardLogger() if base is nil).
func New(base *logrus.Logger, key, gateway, path string) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logger{
		entry: base.WithFields(logrus.Fields{
			"plc":     key,
			"gateway": gateway,
			"path":    path,
		}),
	}
}

// NewSpanID returns a fresh, time-ordered correlation id for one connect
// attempt, suitable for grepping a noisy log back into per-attempt slices.
func NewSpanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithSpan returns a Logger scoped to one connect attempt's span id.
func (l *Logger) WithSpan(span string) *Logger {
	return &Logger{entry: l.entry.WithField("span", span)}
}

// State logs a state machine transition at debug level.
func (l *Logger) State(from, to string) {
	l.entry.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state transition")
}

// Detail logs at a finer grain than State, for the hot per-byte-accounting
// paths (packing, demux).
func (l *Logger) Detail(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Trace(msg)
}

// Info logs an informational event (connect, disconnect, idle timeout).
func (l *Logger) Info(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Info(msg)
}

// Warn logs a recoverable failure (disconnect-and-backoff, hard reset).
func (l *Logger) Warn(msg string, err error, fields logrus.Fields) {
	e := l.entry.WithFields(fields)
	if err != nil {
		e = e.WithField("error", err.Error())
	}
	e.Warn(msg)
}

// Error logs a non-recoverable failure.
func (l *Logger) Error(msg string, err error, fields logrus.Fields) {
	e := l.entry.WithFields(fields)
	if err != nil {
		e = e.WithField("error", err.Error())
	}
	e.Error(msg)
}
