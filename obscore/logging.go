// Package obscore wires up the ambient observability stack shared by every
// orchestration core process: structured logging, Prometheus metrics and
// OpenTelemetry tracing (spec §10), grounded on the teacher's
// pkg/observability package.
package obscore

import (
	"log/slog"
	"os"
)

// InitLogging installs the process-wide slog default handler. format is
// "json" (production default) or "text" (dev); level is one of
// debug/info/warn/error, defaulting to info on an unrecognized value.
func InitLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
