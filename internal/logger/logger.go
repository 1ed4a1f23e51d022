// Package logger constructs the gateway's zerolog logger.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger for the given environment and level. Development
// environments get human readable console output; everything else emits JSON
// for ingestion.
func New(env, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(env, "development") || strings.EqualFold(env, "dev") {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
		logger = zerolog.New(cw)
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Logger().Level(lvl), nil
}
