// pkg/logger/logger.go
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var (
	// Log is the global logger instance
	Log zerolog.Logger

	output io.Writer = os.Stdout
	format           = "console"
)

func init() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	Log = build(zerolog.InfoLevel)
}

func build(level zerolog.Level) zerolog.Logger {
	var w io.Writer = output
	if format == "console" {
		// Default to console output with color
		w = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()
}

// SetLevel sets the log level
func SetLevel(levelStr string) {
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil || levelStr == "" {
		Log.Warn().Str("level", levelStr).Msg("invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	Log = Log.Level(level)
}

// SetFormat switches between "console" and "json" output.
func SetFormat(f string) {
	f = strings.ToLower(strings.TrimSpace(f))
	if f != "json" {
		f = "console"
	}
	format = f
	Log = build(Log.GetLevel())
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	output = w
	Log = build(Log.GetLevel())
}

// With returns a child of the global logger carrying a component name.
func With(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
