package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// JSONLogEntry is one structured log line, shaped after the JSON payload
// Cloud Logging understands.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Trace     string                 `json:"logging.googleapis.com/trace,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// String renders the entry as JSON, defaulting the severity to INFO.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
	}
	return string(out)
}

var jsonSeverity = map[LogLevel]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type jsonLogger struct {
	metadata     map[string]interface{}
	traceID      string
	component    string
	sink         Sink
	sinkLogLevel LogLevel
	noConsole    bool
	now          func() time.Time
	logLevel     LogLevel
	child        Logger
}

var _ SinkLogger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		metadata:     metadata,
		traceID:      c.traceID,
		component:    c.component,
		noConsole:    c.noConsole,
		now:          c.now,
		sink:         c.sink,
		sinkLogLevel: c.sinkLogLevel,
		logLevel:     c.logLevel,
		child:        c.child,
	}
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (c *jsonLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = sink
	c.sinkLogLevel = level
	if child, ok := c.child.(SinkLogger); ok {
		child.SetSink(sink, level)
	}
}

// WithPrefix appends prefix to the entry's component. Brackets are dropped,
// so "[cache]" becomes "cache".
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	name := strings.Trim(prefix, "[]")
	switch {
	case clone.component == "":
		clone.component = name
	case !strings.Contains(clone.component, name):
		clone.component = clone.component + ", " + name
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

// With merges metadata. The "trace" and "component" keys are lifted into
// their dedicated entry fields.
func (c *jsonLogger) With(newFields map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range newFields {
		clone.metadata[k] = v
	}
	if trace, ok := clone.metadata["trace"].(string); ok {
		clone.traceID = trace
		delete(clone.metadata, "trace")
	}
	if comp, ok := clone.metadata["component"].(string); ok {
		clone.component = comp
		delete(clone.metadata, "component")
	}
	if c.child != nil {
		clone.child = c.child.With(newFields)
	}
	return clone
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if level < c.logLevel && (c.sink == nil || level < c.sinkLogLevel) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Severity:  jsonSeverity[level],
		Message:   msg,
		Trace:     c.traceID,
		Metadata:  c.metadata,
		Component: c.component,
		Timestamp: time.Now(),
	}
	if c.now != nil {
		entry.Timestamp = c.now()
	}
	if !c.noConsole && level >= c.logLevel {
		log.Println(entry)
	}
	if c.sink != nil && level >= c.sinkLogLevel {
		entry.Message = ansiColorStripper.ReplaceAllString(entry.Message, "")
		buf, _ := json.Marshal(entry)
		if _, err := c.sink.Write(append(buf, '\n')); err != nil {
			log.Printf("sink.Write: %v", err)
		}
	}
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

// Fatal logs at error level. Unlike the console logger it does not exit;
// the caller decides how to shut down.
func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.Error(msg, args...)
}

func (c *jsonLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewJSONLogger returns a Logger printing one JSON entry per line.
func NewJSONLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{logLevel: level, sinkLogLevel: LevelNone}
}

// NewJSONLoggerWithSink returns a Logger writing only to sink.
func NewJSONLoggerWithSink(sink Sink, level LogLevel) SinkLogger {
	return &jsonLogger{noConsole: true, sink: sink, sinkLogLevel: level, logLevel: LevelNone}
}
