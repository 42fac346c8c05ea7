// Package observability defines shared logging primitives.
package observability

import "sync/atomic"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type loggerBox struct{ Logger }

var defaultLogger atomic.Pointer[loggerBox]

func init() {
	defaultLogger.Store(&loggerBox{noopLogger{}})
}

// SetLogger overrides the process-wide logger. Nil restores the no-op logger.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(&loggerBox{logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().Logger
}

// Or returns logger when non-nil and the global logger otherwise.
func Or(logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return Log()
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
