// Package logger provides structured logging setup for AgentDeck.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/AgentDeck/internal/config"
)

// Async handler sizing used when logging.async is enabled.
const (
	asyncChanSize = 4096
	asyncWorkers  = 2
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
// The returned Closer flushes buffered records when async logging is enabled.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	var closer Closer = nopCloser{}
	if cfg.Async {
		ah := NewAsyncHandler(handler, asyncChanSize, asyncWorkers)
		handler = ah
		closer = ah
	}

	return slog.New(handler).With("service", cfg.Service), closer
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
