package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"presence-backplane/config"
)

// New builds the process logger. Every line carries the server instance so
// logs from several instances sharing one store can be told apart.
func New(cfg config.LogConfig, instance string) zerolog.Logger {
	return NewWithWriter(os.Stdout, cfg, instance)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, cfg config.LogConfig, instance string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("instance", instance).
		Logger()
}
