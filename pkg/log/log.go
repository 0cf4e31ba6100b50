// Package log configures the process-wide structured logger.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default logger at the given level. Set
// MARKETFLOW_LOG_FORMAT=json for machine-readable output.
func Setup(logLevel string) {
	level := ParseLevel(logLevel)

	var handler slog.Handler
	if os.Getenv("MARKETFLOW_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a level name to its slog level, defaulting to info.
func ParseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithModule returns a child of the default logger tagged with the module name.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
