package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar-saathi/careflow/internal/shared/config"
)

// New builds the process logger. Development gets a console writer, every
// other environment writes JSON lines to stdout.
func New(cfg config.ServerConfig) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(out, cfg.LogLevel)
}

// NewWithWriter builds a logger on w at the named level (info when unparsable)
func NewWithWriter(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "careflow").Logger()
}
