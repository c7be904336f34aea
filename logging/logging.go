// Package logging provides the slog-backed structured logger used across
// every role (splitter, generator, resolver) and by the broker client,
// following the production logger's own choice of log/slog over a
// third-party logging library.
package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger wraps a *slog.Logger and additionally satisfies broker.Logger's
// narrower Printf/Errorf/Debugf shape, so the same value can be handed to
// both broker.NewClient(...) and role constructors.
type Logger struct {
	slog *slog.Logger
}

// New creates a Logger writing JSON lines to stdout at the given level.
func New(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return &Logger{slog: slog.New(handler)}
}

// NewWithHandler wraps an arbitrary slog.Handler, useful in tests to assert
// on emitted records.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{slog: slog.New(h)}
}

// With returns a Logger with the given key/value pairs attached to every
// subsequent record, mirroring slog.Logger.With.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Slog exposes the underlying *slog.Logger for callers that want the full
// structured API.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Printf satisfies broker.Logger.
func (l *Logger) Printf(format string, v ...any) {
	l.slog.Info(fmt.Sprintf(format, v...))
}

// Errorf satisfies broker.Logger.
func (l *Logger) Errorf(format string, v ...any) {
	l.slog.Error(fmt.Sprintf(format, v...))
}

// Debugf satisfies broker.Logger.
func (l *Logger) Debugf(format string, v ...any) {
	l.slog.Debug(fmt.Sprintf(format, v...))
}

// Discard returns a Logger that drops everything written to it, for use in
// tests that need a logger but assert nothing about it.
func Discard() *Logger {
	return NewWithHandler(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
