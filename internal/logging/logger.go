package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process-wide structured logger: JSON lines on
// stdout with the call site attached, so a single auction can be traced
// across the session, engine, and broadcast layers by request id.
// Unrecognized levels fall back to info.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
