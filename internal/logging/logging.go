package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the process logger. pretty switches to the console writer for
// local development.
func New(service, level string, pretty bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, service, level, pretty)
}

func NewWithWriter(w io.Writer, service, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
