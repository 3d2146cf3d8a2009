// Package logger provides the structured logger used across the transport
// core, backed by zerolog.
package logger

import (
	"io"
	"strings"

	"github.com/rs/zerolog"

	"example.com/h2flow/internal/config"
)

// LogFields carries structured key/value context for a log entry.
type LogFields map[string]interface{}

// Logger is a leveled structured logger. The zero-cost nop variant from
// NewNopLogger is safe to use anywhere a *Logger is expected.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a Logger writing JSON entries to w at the given level.
// Unknown level strings fall back to "info".
func NewLogger(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewLoggerFromConfig creates a Logger writing to w at the configured level,
// the logging counterpart of the flow-control Settings bridge. The config
// vocabulary (DEBUG/INFO/WARNING/ERROR) is mapped onto zerolog's level names;
// in particular WARNING becomes zerolog's "warn". A nil config logs at info.
func NewLoggerFromConfig(w io.Writer, cfg *config.LoggingConfig) *Logger {
	level := "info"
	if cfg != nil {
		switch cfg.LogLevel {
		case config.LogLevelDebug:
			level = "debug"
		case config.LogLevelInfo:
			level = "info"
		case config.LogLevelWarning:
			level = "warn"
		case config.LogLevelError:
			level = "error"
		}
	}
	return NewLogger(w, level)
}

// NewNopLogger creates a Logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, fields LogFields) {
	l.emit(l.zl.Debug(), msg, fields)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, fields LogFields) {
	l.emit(l.zl.Info(), msg, fields)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, fields LogFields) {
	l.emit(l.zl.Warn(), msg, fields)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, fields LogFields) {
	l.emit(l.zl.Error(), msg, fields)
}

func (l *Logger) emit(e *zerolog.Event, msg string, fields LogFields) {
	if len(fields) > 0 {
		e = e.Fields(map[string]interface{}(fields))
	}
	e.Msg(msg)
}
