package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Logger is the interface that wraps the basic logging methods.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type LogFormat string

const (
	TextFormat LogFormat = "text"
	JSONFormat LogFormat = "json"
)

// slogLogger adds the call site to every record once the level reaches debug.
type slogLogger struct {
	handler *slog.Logger
	source  bool
}

func NewDefaultLogger(level slog.Leveler, format LogFormat) Logger {
	return NewLogger(os.Stdout, level, format)
}

// NewLogger writes to w instead of stdout.
func NewLogger(w io.Writer, level slog.Leveler, format LogFormat) Logger {
	if level == nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if format == JSONFormat {
		h = slog.NewJSONHandler(w, opts)
	}
	return &slogLogger{
		handler: slog.New(h),
		source:  level.Level() <= slog.LevelDebug,
	}
}

// NewNopLogger discards everything.
func NewNopLogger() Logger {
	return &slogLogger{handler: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l *slogLogger) log(ctx context.Context, level slog.Level, msg string, kv []interface{}) {
	if !l.handler.Enabled(ctx, level) {
		return
	}
	if l.source {
		// skip log and the exported method
		if _, file, line, ok := runtime.Caller(2); ok {
			kv = append(kv, "source", fmt.Sprintf("%s:%d", file, line))
		}
	}
	l.handler.Log(ctx, level, msg, kv...)
}

func (l *slogLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelDebug, msg, keysAndValues)
}

func (l *slogLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelInfo, msg, keysAndValues)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelWarn, msg, keysAndValues)
}

func (l *slogLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelError, msg, keysAndValues)
}

func (l *slogLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &slogLogger{handler: l.handler.With(args...), source: l.source}
}
