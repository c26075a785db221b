package logger

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

var otelSeverity = map[LogLevel]log.Severity{
	LevelTrace: log.SeverityTrace,
	LevelDebug: log.SeverityDebug,
	LevelInfo:  log.SeverityInfo,
	LevelWarn:  log.SeverityWarn,
	LevelError: log.SeverityError,
}

// otelLogger emits each message as an OpenTelemetry log record.
type otelLogger struct {
	prefixes []string
	metadata map[string]log.Value
	logLevel LogLevel
	ctx      context.Context
	logger   log.Logger
	child    Logger
}

var _ Logger = (*otelLogger)(nil)

// NewOtelLogger returns a Logger that emits records at or above level to
// otelsLogger, typically one obtained from an sdk/log LoggerProvider.
func NewOtelLogger(otelsLogger log.Logger, level LogLevel) Logger {
	return &otelLogger{
		logLevel: level,
		ctx:      context.Background(),
		logger:   otelsLogger,
	}
}

func (o *otelLogger) clone() *otelLogger {
	return &otelLogger{
		prefixes: slices.Clone(o.prefixes),
		metadata: maps.Clone(o.metadata),
		logLevel: o.logLevel,
		ctx:      o.ctx,
		logger:   o.logger,
		child:    o.child,
	}
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case uint64:
		return log.Int64Value(int64(v))
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case time.Duration:
		return log.StringValue(v.String())
	case error:
		return log.StringValue(v.Error())
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for k, item := range v {
			values = append(values, log.KeyValue{Key: k, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

// With will return a new logger using metadata as the base context
func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	clone := o.clone()
	if clone.metadata == nil {
		clone.metadata = make(map[string]log.Value, len(metadata))
	}
	for k, v := range metadata {
		clone.metadata[k] = toLogValue(v)
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (o *otelLogger) WithPrefix(prefix string) Logger {
	clone := o.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

// WithContext will return a new logger that emits with ctx, so records carry
// the trace and span of any span in it.
func (o *otelLogger) WithContext(ctx context.Context) Logger {
	clone := o.clone()
	clone.ctx = ctx
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (o *otelLogger) Stack(next Logger) Logger {
	clone := o.clone()
	clone.child = next
	return clone
}

func (o *otelLogger) log(level LogLevel, msg string, args ...interface{}) {
	if level < o.logLevel {
		return
	}
	body := fmt.Sprintf(msg, args...)
	if len(o.prefixes) > 0 {
		body = strings.Join(o.prefixes, " ") + " " + body
	}

	severity := otelSeverity[level]
	now := time.Now()
	var record log.Record
	record.SetBody(log.StringValue(body))
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}
	o.logger.Emit(o.ctx, record)
}

func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.log(LevelTrace, msg, args...)
	if o.child != nil {
		o.child.Trace(msg, args...)
	}
}

func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.log(LevelDebug, msg, args...)
	if o.child != nil {
		o.child.Debug(msg, args...)
	}
}

func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.log(LevelInfo, msg, args...)
	if o.child != nil {
		o.child.Info(msg, args...)
	}
}

func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.log(LevelWarn, msg, args...)
	if o.child != nil {
		o.child.Warn(msg, args...)
	}
}

func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.log(LevelError, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
}

// Fatal level logging and exit with code 1
func (o *otelLogger) Fatal(msg string, args ...interface{}) {
	o.log(LevelError, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
	os.Exit(1)
}
