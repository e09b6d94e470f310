// Package logging provides the structured logger used across every
// component of the dispatch service. It mirrors the teacher framework's
// Logger/ComponentAwareLogger split: a minimal interface components code
// against, and one production implementation that renders either JSON (for
// log aggregation) or a human-readable line (for local development).
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Fields is shorthand for the structured key/value payload attached to a
// log line.
type Fields map[string]interface{}

// Logger is the minimal logging interface every component depends on.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, fields Fields)

	DebugContext(ctx context.Context, msg string, fields Fields)
	InfoContext(ctx context.Context, msg string, fields Fields)
	WarnContext(ctx context.Context, msg string, fields Fields)
	ErrorContext(ctx context.Context, msg string, fields Fields)
}

// ComponentLogger extends Logger with the ability to derive a child logger
// tagged with a component name, so logs from the API, worker pool, and
// webhook deliverer can be filtered independently even when they share a
// process.
type ComponentLogger interface {
	Logger
	WithComponent(component string) ComponentLogger
}

type traceKey struct{}

// TraceInfo carries the handful of correlation fields worth attaching to a
// log line without pulling in a full tracing SDK dependency at the logging
// layer; internal/telemetry populates this from the active OTel span.
type TraceInfo struct {
	TraceID string
	SpanID  string
}

// WithTrace returns a context carrying trace correlation info for logging.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func traceFrom(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// jsonLogger is the production Logger implementation: structured JSON or a
// single human-readable line, one log call per line, no buffering.
type jsonLogger struct {
	level     level
	format    string // "json" or "text"
	service   string
	component string
	output    io.Writer
}

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) level {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l level) String() string {
	switch l {
	case levelDebug:
		return "DEBUG"
	case levelWarn:
		return "WARN"
	case levelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// New creates the production logger. format is "json" or "text"; an
// unrecognized format falls back to text, matching the teacher's
// permissive handling of LoggingConfig.Format.
func New(levelName, format, service string) ComponentLogger {
	return &jsonLogger{
		level:     parseLevel(levelName),
		format:    format,
		service:   service,
		component: service,
		output:    os.Stdout,
	}
}

// NewWithOutput is New with an explicit writer, used by tests to capture
// log output instead of writing to stdout.
func NewWithOutput(levelName, format, service string, w io.Writer) ComponentLogger {
	return &jsonLogger{
		level:     parseLevel(levelName),
		format:    format,
		service:   service,
		component: service,
		output:    w,
	}
}

func (l *jsonLogger) WithComponent(component string) ComponentLogger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *jsonLogger) Debug(msg string, f Fields) { l.log(levelDebug, msg, f, nil) }
func (l *jsonLogger) Info(msg string, f Fields)  { l.log(levelInfo, msg, f, nil) }
func (l *jsonLogger) Warn(msg string, f Fields)  { l.log(levelWarn, msg, f, nil) }
func (l *jsonLogger) Error(msg string, f Fields) { l.log(levelError, msg, f, nil) }

func (l *jsonLogger) DebugContext(ctx context.Context, msg string, f Fields) {
	l.log(levelDebug, msg, f, ctx)
}
func (l *jsonLogger) InfoContext(ctx context.Context, msg string, f Fields) {
	l.log(levelInfo, msg, f, ctx)
}
func (l *jsonLogger) WarnContext(ctx context.Context, msg string, f Fields) {
	l.log(levelWarn, msg, f, ctx)
}
func (l *jsonLogger) ErrorContext(ctx context.Context, msg string, f Fields) {
	l.log(levelError, msg, f, ctx)
}

func (l *jsonLogger) log(lvl level, msg string, fields Fields, ctx context.Context) {
	if lvl < l.level {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     lvl.String(),
			"service":   l.service,
			"component": l.component,
			"message":   msg,
		}
		if info, ok := traceFrom(ctx); ok {
			entry["trace_id"] = info.TraceID
			entry["span_id"] = info.SpanID
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s/%s] %s", ts, lvl, l.service, l.component, msg)
	if info, ok := traceFrom(ctx); ok {
		fmt.Fprintf(&b, " trace=%s", info.TraceID)
	}
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(l.output, b.String())
}

// NoOp is a Logger that discards everything, used as the zero-value
// default so components never need a nil check before logging.
type NoOp struct{}

func (NoOp) Debug(string, Fields) {}
func (NoOp) Info(string, Fields)  {}
func (NoOp) Warn(string, Fields)  {}
func (NoOp) Error(string, Fields) {}
func (NoOp) DebugContext(context.Context, string, Fields) {}
func (NoOp) InfoContext(context.Context, string, Fields)  {}
func (NoOp) WarnContext(context.Context, string, Fields)  {}
func (NoOp) ErrorContext(context.Context, string, Fields) {}
func (n NoOp) WithComponent(string) ComponentLogger { return n }
