package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide zerolog logger at the given level.
func NewLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(logLevel)
}
