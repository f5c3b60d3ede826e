// Package logging provides structured logging for the offline queue and
// conflict engine on top of log/slog.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	kiterrors "github.com/c0deZ3R0/go-offline-kit/errors"
)

// Logger wraps slog.Logger with component and queue-entry scoping.
type Logger struct {
	*slog.Logger
}

// Config selects level, encoding and destination of log records.
type Config struct {
	Level       string    `json:"level" yaml:"level"`
	Format      string    `json:"format" yaml:"format"` // text | json
	AddSource   bool      `json:"add_source" yaml:"add_source"`
	Environment string    `json:"environment" yaml:"environment"`
	Output      io.Writer `json:"-" yaml:"-"`
}

// Component names the subsystem emitting a record.
type Component string

func (c Component) LogValue() slog.Value { return slog.StringValue(string(c)) }

const (
	ComponentQueue     Component = "queue"
	ComponentStore     Component = "store"
	ComponentScheduler Component = "scheduler"
	ComponentConflict  Component = "conflict"
	ComponentNetwork   Component = "network"
	ComponentTransport Component = "transport"
	ComponentServer    Component = "server"
)

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (c Config) handler(level slog.Leveler) slog.Handler {
	w := c.Output
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: c.AddSource}
	if strings.EqualFold(c.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewLogger builds a Logger from cfg.
func NewLogger(cfg Config) *Logger {
	return &Logger{Logger: slog.New(cfg.handler(ParseLevel(cfg.Level)))}
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

var processLogger = sync.OnceValue(func() *Logger {
	l := NewLogger(GetConfigFromEnv())
	slog.SetDefault(l.Logger)
	return l
})

// Default returns the process logger, configured from the environment on
// first use. Constructors fall back to it when no logger is supplied.
func Default() *Logger { return processLogger() }

// WithComponent is Default().WithComponent(c).
func WithComponent(c Component) *Logger { return Default().WithComponent(c) }

// WithComponent tags every record with the emitting subsystem.
func (l *Logger) WithComponent(c Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", c))}
}

// WithEntry scopes records to one queued operation.
func (l *Logger) WithEntry(qid, operation string) *Logger {
	return &Logger{Logger: l.With(slog.String("qid", qid), slog.String("operation", operation))}
}

// LogError writes err at error level together with the caller location.
// A *errors.SyncError anywhere in the chain is expanded into a group.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)

	var se *kiterrors.SyncError
	switch {
	case errors.As(err, &se):
		args = append(args, slog.Any("sync_error", syncErrorValue{se}))
	case err != nil:
		args = append(args, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		args = append(args, slog.Group("caller",
			slog.String("file", file),
			slog.Int("line", line),
			slog.String("function", runtime.FuncForPC(pc).Name()),
		))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	l.ErrorContext(ctx, msg, args...)
}

type syncErrorValue struct{ *kiterrors.SyncError }

func (v syncErrorValue) LogValue() slog.Value {
	e := v.SyncError
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if len(e.Metadata) > 0 {
		meta := make([]slog.Attr, 0, len(e.Metadata))
		for k, val := range e.Metadata {
			meta = append(meta, slog.Any(k, val))
		}
		attrs = append(attrs, slog.Attr{Key: "metadata", Value: slog.GroupValue(meta...)})
	}
	return slog.GroupValue(attrs...)
}
