// Package logging provides the leveled logger used throughout the deploy
// control plane. It is a thin wrapper around zerolog so that callers only
// depend on the printf-style interface.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Log levels, most verbose first.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls logger construction.
type Config struct {
	Level  string `json:"level,omitempty"`
	Output io.Writer
}

// Logger wraps a zerolog.Logger with printf-style level methods.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger returns a logger writing human-readable output. An empty or
// unknown level defaults to info.
func NewLogger(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}

	zl := zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{zl: zl}
}

// WithField returns a child logger carrying an extra key-value pair on every
// line.
func (l *Logger) WithField(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}
