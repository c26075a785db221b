package logger

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"
)

// LogLevelEnv is the environment variable consulted by GetLevelFromEnv.
const LogLevelEnv = "TIERCACHE_LOG_LEVEL"

// LogLevel defines the level of logging
type LogLevel int

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

func (l LogLevel) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "none"
	}
}

// ParseLevel converts a case-insensitive level name into a LogLevel.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	case "none", "off":
		return LevelNone, true
	}
	return LevelInfo, false
}

// GetLevelFromEnv reads TIERCACHE_LOG_LEVEL, falling back to info for empty or
// unknown values.
func GetLevelFromEnv() LogLevel {
	level, _ := ParseLevel(os.Getenv(LogLevelEnv))
	return level
}

type Sink io.Writer

// Logger is an interface for logging
type Logger interface {
	// With will return a new logger using metadata as the base context
	With(metadata map[string]interface{}) Logger
	// WithPrefix will return a new logger with a prefix prepended to the message
	WithPrefix(prefix string) Logger
	// WithContext will return a new logger with the given context
	WithContext(ctx context.Context) Logger
	// Trace level logging
	Trace(msg string, args ...interface{})
	// Debug level logging
	Debug(msg string, args ...interface{})
	// Info level logging
	Info(msg string, args ...interface{})
	// Warning level logging
	Warn(msg string, args ...interface{})
	// Error level logging
	Error(msg string, args ...interface{})
	// Fatal level logging and exit with code 1
	Fatal(msg string, args ...interface{})
	// Stack will return a new logger that logs to the given logger as well as the current logger
	Stack(next Logger) Logger
}

type SinkLogger interface {
	Logger
	// SetSink will set the sink, and level to sink
	SetSink(sink Sink, level LogLevel)
}

// WithKV is shorthand for With on a single key.
func WithKV(logger Logger, key string, value interface{}) Logger {
	return logger.With(map[string]interface{}{key: value})
}

var ansiColorStripper = regexp.MustCompile("\x1b\\[[0-9;]*[mK]")
