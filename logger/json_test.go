package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogEntryString(t *testing.T) {
	var parsed map[string]interface{}

	require.NoError(t, json.Unmarshal([]byte(JSONLogEntry{Message: "Test message"}.String()), &parsed))
	assert.Equal(t, "Test message", parsed["message"])
	assert.Equal(t, "INFO", parsed["severity"])

	entry := JSONLogEntry{
		Message:  "Test message",
		Severity: "ERROR",
		Metadata: map[string]interface{}{"key1": "value1", "key2": 42},
	}
	require.NoError(t, json.Unmarshal([]byte(entry.String()), &parsed))
	assert.Equal(t, "ERROR", parsed["severity"])
	metadata := parsed["metadata"].(map[string]interface{})
	assert.Equal(t, "value1", metadata["key1"])
	assert.Equal(t, float64(42), metadata["key2"]) // JSON numbers are float64
}

func readEntries(t *testing.T, buf *bytes.Buffer) []JSONLogEntry {
	t.Helper()
	var entries []JSONLogEntry
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry JSONLogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestJSONLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewJSONLoggerWithSink(&buf, LevelInfo).(*jsonLogger)
	l.now = func() time.Time { return ts }

	log := l.WithPrefix("[cache]").With(map[string]interface{}{"trace": "abc", "instance": "i-1"})
	log.Debug("dropped")
	log.Info("stored %d entries", 3)
	log.Warn("shared tier down")

	entries := readEntries(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "INFO", entries[0].Severity)
	assert.Equal(t, "stored 3 entries", entries[0].Message)
	assert.Equal(t, "cache", entries[0].Component)
	assert.Equal(t, "abc", entries[0].Trace)
	assert.Equal(t, "i-1", entries[0].Metadata["instance"])
	assert.True(t, ts.Equal(entries[0].Timestamp))
	assert.Equal(t, "WARNING", entries[1].Severity)
}

func TestJSONLoggerStack(t *testing.T) {
	var buf bytes.Buffer
	test := NewTestLogger()
	log := NewJSONLoggerWithSink(&buf, LevelTrace).Stack(test)

	log.Error("boom")

	assert.Len(t, readEntries(t, &buf), 1)
	assert.True(t, test.Contains("ERROR", "boom"))
}
