package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pybrook/pybrook/logging"
)

// setupLogger builds the process logger from the parsed level/format flags,
// wrapping a log/slog handler in logging.Logger so the same value can be
// handed to broker.NewClient and every role constructor.
func setupLogger(level, format string) *logging.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return logging.NewWithHandler(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
