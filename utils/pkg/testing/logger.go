package bingotesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/bingo/utils/pkg/logger"
)

// NewLogger returns a logger for tests. Quiet by default; set DEBUG=1 for
// info or DEBUG=2 for debug output.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return logger.NewWithWriter(os.Stderr, level)
}
