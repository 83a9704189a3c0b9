// Package logging builds the zerolog loggers used across the CLI. Logs go to
// stderr so stdout stays reserved for command envelopes.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to w at the given level. Pretty selects the
// human console writer; otherwise lines are JSON.
func New(w io.Writer, level string, pretty bool) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// ParseLevel accepts zerolog level names; empty means warn.
func ParseLevel(level string) (zerolog.Level, error) {
	clean := strings.ToLower(strings.TrimSpace(level))
	if clean == "" {
		return zerolog.WarnLevel, nil
	}
	return zerolog.ParseLevel(clean)
}

// Component tags every line from a subsystem.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
