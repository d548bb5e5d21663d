package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup sets slog's default logger to JSON output at the named level
// (debug, info, warn, error; anything else means info).
func Setup(level string) *slog.Logger {
	logger := slog.New(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}),
	)
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
