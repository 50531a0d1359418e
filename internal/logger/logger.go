package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a text logger on stdout with the requested verbosity level.
func New(level string) *slog.Logger { return NewTo(os.Stdout, level) }

// NewTo is New writing to w.
func NewTo(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps debug, warn and error to their slog levels; anything else is info.
func ParseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
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
