package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger for the given environment.
// Production emits JSON (one object per line, easy to ship to a log
// pipeline or grep in CI output); anything else emits human-readable
// text at debug level.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler

	switch env {
	case "production":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
