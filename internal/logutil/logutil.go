// Package logutil initializes the process-wide structured logger.
// Set SCRIPTKV_DEBUG=1 to enable debug logging.
package logutil

import (
	"log/slog"
	"os"
)

// Init installs the default logger writing to stderr.
func Init() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("SCRIPTKV_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
