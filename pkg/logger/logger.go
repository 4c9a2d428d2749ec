// Package logger provides a structured logger with a
// Debug/Info/Warn/Error(msg, keysAndValues...) call shape, backed by zap.
package logger

import (
	"go.uber.org/zap"
)

// Logger wraps a zap.SugaredLogger behind a key/value call shape so call
// sites stay terse and swapping the backend never touches them.
type Logger struct {
	sugar   *zap.SugaredLogger
	enabled bool
}

// New creates a production JSON logger.
func New() *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{sugar: z.Sugar(), enabled: true}
}

// NewNoop creates a no-op logger for testing.
func NewNoop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), enabled: false}
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Debug logs debug-level messages with key-value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	if !l.enabled {
		return
	}
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs info-level messages with key-value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	if !l.enabled {
		return
	}
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs warning-level messages with key-value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	if !l.enabled {
		return
	}
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs error-level messages with key-value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	if !l.enabled {
		return
	}
	l.sugar.Errorw(msg, keysAndValues...)
}
