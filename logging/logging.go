/*
Package logging builds the zerolog loggers shared by the broker, the bus
client and the binaries.

Components never create their own logger: they take a zerolog.Logger in their
options and tag it with a "component" field. A zero Logger (or Nop) discards
everything, which is what tests and library users get by default.
*/
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log levels accepted in configuration
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Options control logger construction
type Options struct {
	// Level is one of the Level* constants, case insensitive. Unknown values mean info.
	Level string
	// Console selects the human readable console writer instead of JSON lines
	Console bool
	// Output defaults to stderr
	Output io.Writer
}

// New creates a logger according to opts
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
}

// Nop returns a logger that discards all output
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component tags l with the name of the component emitting the logs
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// ParseLevel converts a configured level to a zerolog level
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn, "warning":
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevels returns the list of valid log level strings
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
