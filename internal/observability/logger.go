// Package observability provides structured logging and metrics collection.
//
// Logger wraps log/slog with cache-specific context fields. MetricsCollector
// counts cache hits/misses, evictions, and sync-queue outcomes.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with a persistent component field.
type Logger struct {
	mu        sync.RWMutex
	inner     *slog.Logger
	component string
}

// NewLogger creates a structured logger for a given component.
// Output defaults to os.Stderr if w is nil.
func NewLogger(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner:     slog.New(handler),
		component: component,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(component string, h slog.Handler) *Logger {
	return &Logger{
		inner:     slog.New(h),
		component: component,
	}
}

// Named returns a new Logger for a sub-component sharing the same handler.
func (l *Logger) Named(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:     l.inner,
		component: component,
	}
}

// attrs prepends the component name to the arguments.
func (l *Logger) attrs(msg string, args []any) (string, []any) {
	return msg, append([]any{slog.String("component", l.component)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Debug(msg, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Info(msg, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Warn(msg, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) {
	msg, args = l.attrs(msg, args)
	l.inner.Error(msg, args...)
}

// CacheEvent logs a cache operation against a key.
func (l *Logger) CacheEvent(event, key string, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("event", event),
		slog.String("key", key),
	}, args...)
	l.inner.Info("cache", allArgs...)
}

// QueueEvent logs a sync-queue event.
func (l *Logger) QueueEvent(event string, itemID int64, args ...any) {
	allArgs := append([]any{
		slog.String("component", l.component),
		slog.String("event", event),
		slog.Int64("item_id", itemID),
	}, args...)
	l.inner.Info("sync_queue", allArgs...)
}

// Component returns the component name associated with this logger.
func (l *Logger) Component() string {
	return l.component
}
