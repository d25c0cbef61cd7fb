// Package logging builds the installer's zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/freenas/ix-installer/internal/config"
)

// New returns a logger writing human output to console and JSON lines to
// cfg.LogFile. The returned closer flushes the log file; it is safe to call
// when no file could be opened.
func New(cfg config.Config, console io.Writer) (zerolog.Logger, func() error) {
	zerolog.TimeFieldFormat = time.RFC3339
	writers := []io.Writer{}
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.Kitchen})
	}
	closer := func() error { return nil }
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err == nil {
			writers = append(writers, f)
			closer = f.Close
		}
	}
	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	logger := zerolog.New(out).Level(cfg.LogLevel).With().
		Timestamp().
		Str("product", cfg.Product.Name).
		Logger()
	return logger, closer
}

// Component tags a logger with the subsystem that owns it.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
