// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.elastic.co/ecszerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatECS     = "ecs"
)

// New returns a logger writing to w in the requested format. ECS output
// follows the Elastic Common Schema so it can be shipped without a parser.
func New(w io.Writer, format, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var logger zerolog.Logger
	switch format {
	case FormatConsole, "":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	case FormatJSON:
		logger = zerolog.New(w)
	case FormatECS:
		logger = ecszerolog.New(w)
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	return logger.Level(lvl).With().Timestamp().Str("service", "clinic-server").Logger(), nil
}

// Must is New on stdout, falling back to a JSON logger at info on error.
func Must(format, level string) zerolog.Logger {
	logger, err := New(os.Stdout, format, level)
	if err != nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		logger.Warn().Err(err).Msg("invalid logging configuration, using defaults")
	}
	return logger
}
