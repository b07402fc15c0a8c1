// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Level   string
	Pretty  bool
	Service string
	Writer  io.Writer
}

// New returns a timestamped logger tagged with the service name. An unknown
// level falls back to info.
func New(opts Options) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if opts.Writer != nil {
		writer = opts.Writer
	}
	if opts.Pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	} else {
		writer = zerolog.SyncWriter(writer)
	}

	logger := zerolog.New(writer).Level(ParseLevel(opts.Level)).With().Timestamp()
	if opts.Service != "" {
		logger = logger.Str("service", opts.Service)
	}
	return logger.Logger()
}

func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}
