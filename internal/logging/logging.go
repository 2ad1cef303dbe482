// Package logging builds the process-wide slog.Logger.
//
// Records flow through three layers: the redacting handler scrubs
// credentials, zeroslog adapts slog to zerolog, and zerolog writes JSON
// (or colored console output for local development).
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"

	"github.com/howard-nolan/llmbridge/internal/config"
	"github.com/howard-nolan/llmbridge/internal/security"
)

// New returns a logger that writes to w at the configured level and format.
func New(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	}
	zl := zerolog.New(w).With().Timestamp().Logger()

	handler := zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: ParseLevel(cfg.Level)})
	return slog.New(security.NewRedactedHandler(handler))
}

// ParseLevel maps a config string onto a slog level, falling back to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
