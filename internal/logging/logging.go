// Package logging builds the process-wide slog logger from the log section of
// the configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/votechain/votechain/internal/config"
)

// New returns a console logger rendered by pterm, or a JSON logger when
// cfg.Format is "json". A nil w writes to stderr.
func New(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel(cfg.Level)}))
	}

	logger := pterm.DefaultLogger.
		WithLevel(ptermLevel(cfg.Level)).
		WithWriter(w)
	return slog.New(pterm.NewSlogHandler(logger))
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func ptermLevel(level string) pterm.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return pterm.LogLevelDebug
	case "warn":
		return pterm.LogLevelWarn
	case "error":
		return pterm.LogLevelError
	default:
		return pterm.LogLevelInfo
	}
}
