package rpc

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for structured leveled logging. Arguments are
// alternating key-value pairs, compatible with the slog calling convention.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// logLevelEnv is the environment variable controlling the default logger's
// level. Values are the logrus level names (debug, info, warn, error, ...).
const logLevelEnv = "LOG_LEVEL"

// logrusLogger adapts a *logrus.Logger to the Logger interface.
type logrusLogger struct {
	l *logrus.Logger
}

// NewLogger returns a logrus-backed Logger whose level comes from the
// LOG_LEVEL environment variable. An empty or unparsable value means info.
func NewLogger() Logger {
	l := logrus.New()
	l.SetLevel(levelFromEnv())
	return &logrusLogger{l: l}
}

func levelFromEnv() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv(logLevelEnv))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// fields converts alternating key-value args into logrus fields.
// A trailing key without a value is kept with a nil value.
func fields(args []any) logrus.Fields {
	if len(args) == 0 {
		return nil
	}
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(args) {
			f[key] = args[i+1]
		} else {
			f[key] = nil
		}
	}
	return f
}

func (a *logrusLogger) Debug(msg string, args ...any) {
	a.l.WithFields(fields(args)).Debug(msg)
}

func (a *logrusLogger) Info(msg string, args ...any) {
	a.l.WithFields(fields(args)).Info(msg)
}

func (a *logrusLogger) Warn(msg string, args ...any) {
	a.l.WithFields(fields(args)).Warn(msg)
}

func (a *logrusLogger) Error(msg string, args ...any) {
	a.l.WithFields(fields(args)).Error(msg)
}

// defaultLogger returns the package default logger.
func defaultLogger() Logger {
	return NewLogger()
}
