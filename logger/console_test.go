package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsoleLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(LevelNone)
	l.SetSink(&buf, LevelDebug)

	log := l.WithPrefix("[cache]").With(map[string]interface{}{"instance": "i-1"})
	log.Trace("hidden")
	log.Debug("local hit for %s", "abc")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "[DEBUG]")
	assert.Contains(t, out, "[cache] local hit for abc")
	assert.Contains(t, out, `{"instance":"i-1"}`)
	assert.NotContains(t, out, "\x1b[")
}

func TestConsoleLoggerPrefixDedup(t *testing.T) {
	l := NewConsoleLogger(LevelInfo).WithPrefix("[a]").WithPrefix("[a]").WithPrefix("[b]")
	assert.Equal(t, []string{"[a]", "[b]"}, l.(*consoleLogger).prefixes)
}
