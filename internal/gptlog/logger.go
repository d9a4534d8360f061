// Package gptlog configures the zerolog loggers shared by every gpt binary.
package gptlog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string

	// Pretty selects the human-readable console writer instead of JSON.
	// Set for interactive terminals (cobra's init/check/config subcommands);
	// long-running daemons default to JSON.
	Pretty bool

	// Writer overrides the output sink; defaults to os.Stderr.
	Writer io.Writer
}

// New builds a component-scoped logger. component becomes a "component"
// field on every line, so the per-subsystem boundaries (seed generation,
// asset cache, certificate fetch, registration, heartbeat) are
// separable in aggregated logs.
func New(component string, cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := cfg.Writer
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Nop returns a disabled logger, for tests that do not want output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
