package serial

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the package-wide logger. Level defaults to info and can be
// overridden with OK_LOGGING_LEVEL (trace|debug|info|warn|error); a
// log file path in OK_SERIAL_LOG_FILE routes output through a rotating
// lumberjack writer instead of stderr.
var Log = newLogger()

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("OK_LOGGING_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}

	var writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if path := os.Getenv("OK_SERIAL_LOG_FILE"); path != "" {
		return zerolog.New(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}).Level(level).With().Timestamp().Logger()
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
