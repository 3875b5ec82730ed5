// Package logging builds the relay's zerolog logger from config. Output goes
// to stderr (console or JSON) and, when a file is configured, additionally to
// a size-rotated log file.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bidi-relay/backend/internal/config"
)

// ParseLevel maps a config level name to a zerolog level. Unknown names map
// to info.
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New returns the root logger and a close func that flushes the rolling
// file, if any.
func New(cfg config.LoggingConfig) (zerolog.Logger, func() error) {
	var stderr io.Writer = os.Stderr
	if !cfg.JSON {
		stderr = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	closeFn := func() error { return nil }
	out := stderr
	if cfg.File != "" {
		rolling := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(stderr, rolling)
		closeFn = rolling.Close
	}

	logger := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	return logger, closeFn
}

// Component derives a child logger tagged with the component name.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}
