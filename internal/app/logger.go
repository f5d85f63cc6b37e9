package app

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide structured logger: JSON lines on
// stdout with source locations, so gateway events can be correlated with
// the emitting site. The level accepts slog's names (debug, info, warn,
// error); anything unrecognized means info. The logger is also installed
// as the slog default so library code logs through the same handler.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
	}))
	slog.SetDefault(log)
	return log
}
