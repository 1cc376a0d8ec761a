package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New creates the process logger. When logFile is non-empty, JSON logs are
// appended to that file; otherwise logs go to stdout, optionally through a
// ConsoleWriter when pretty is set. Log level comes from the LOG_LEVEL
// environment variable (trace, debug, info, warn, error).
func New(logFile string, pretty bool) (zerolog.Logger, error) {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"))

	var output io.Writer = os.Stdout
	if logFile != "" {
		//nolint:gosec // G304: user-specified log file path is intentional
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		output = file
	} else if pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	log := zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Info().Str("level", level.String()).Str("file", logFile).Msg("Logger initialized")
	return log, nil
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
