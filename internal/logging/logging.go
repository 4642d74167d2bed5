// Package logging provides structured logging for diagnostico components.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with field helpers shared across packages.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stderr. format is "text" or "json".
func New(level slog.Level, format string) *Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Noop returns a Logger that discards everything.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))}
}

// OrNoop returns l, or a no-op logger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return Noop()
	}
	return l
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger with extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithEndpoint tags the logger with a vector-store endpoint.
func (l *Logger) WithEndpoint(endpoint string) *Logger {
	return l.With("endpoint", endpoint)
}

// WithCollection tags the logger with a collection name.
func (l *Logger) WithCollection(name string) *Logger {
	return l.With("collection", name)
}

// LogAttempt logs the outcome of one connection attempt.
func (l *Logger) LogAttempt(ctx context.Context, endpoint string, attempt, maxAttempts int, elapsed time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "connection attempt failed",
			"endpoint", endpoint,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "connected",
		"endpoint", endpoint,
		"attempt", attempt,
		"elapsed", elapsed,
	)
}

// LogBootstrapStep logs one step of collection bootstrapping.
func (l *Logger) LogBootstrapStep(ctx context.Context, collection, step string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "bootstrap step failed",
			"collection", collection,
			"step", step,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "bootstrap step completed",
		"collection", collection,
		"step", step,
	)
}
