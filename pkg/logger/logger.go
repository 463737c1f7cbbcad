// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the log level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output for development
}

// New creates the root logger. Unknown level strings fall back to info so a
// typo in the environment never silences the process. Every line carries the
// app field; per-component loggers hang their own fields off it.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).
		With().
		Timestamp().
		Str("app", "autopilot").
		Logger()
}

// SetGlobalLogger routes the zerolog package-level logger through l, so
// libraries logging via log.Logger share the same sink.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
