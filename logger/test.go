package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// Formatted returns the message with its arguments applied.
func (e TestLogEntry) Formatted() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testBuffer struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records entries in memory. Loggers derived with With share the
// parent's buffer, and it is safe for concurrent use.
type TestLogger struct {
	metadata map[string]interface{}
	buf      *testBuffer
	child    Logger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return &TestLogger{metadata: kv, buf: c.buf, child: child}
}

func (c *TestLogger) record(severity string, msg string, args ...interface{}) {
	c.buf.mu.Lock()
	c.buf.entries = append(c.buf.entries, TestLogEntry{severity, msg, args, c.metadata})
	c.buf.mu.Unlock()
}

// Logs returns a copy of every recorded entry.
func (c *TestLogger) Logs() []TestLogEntry {
	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()
	out := make([]TestLogEntry, len(c.buf.entries))
	copy(out, c.buf.entries)
	return out
}

// Contains reports whether an entry with the severity has a formatted
// message containing substr.
func (c *TestLogger) Contains(severity string, substr string) bool {
	for _, entry := range c.Logs() {
		if entry.Severity == severity && strings.Contains(entry.Formatted(), substr) {
			return true
		}
	}
	return false
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.record("TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.record("DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.record("INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.record("WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.record("ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

// Fatal records a FATAL entry without exiting so tests can assert on it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.record("FATAL", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *TestLogger) Stack(next Logger) Logger {
	return &TestLogger{metadata: c.metadata, buf: c.buf, child: next}
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{buf: &testBuffer{}}
}
