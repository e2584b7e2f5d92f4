// Package logging builds the zerolog loggers used by the deployflow binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/deployflow/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Bootstrap installs a console logger before config is loaded. The level can
// be raised early through envLevel (e.g. DEPLOYFLOW_LOG_LEVEL).
func Bootstrap(envLevel string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv(envLevel))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	return install(New(os.Stdout, "console"), level)
}

// Apply reconfigures the global logger from loaded config.
func Apply(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	format := "console"
	if cfg.JSON {
		format = "json"
	}
	return install(New(os.Stdout, format), level)
}

// New returns a timestamped logger writing JSON or console output to w.
func New(w io.Writer, format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

func install(logger zerolog.Logger, level zerolog.Level) zerolog.Logger {
	logger = logger.Level(level)
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return logger
}
