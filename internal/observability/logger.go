// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

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

// F builds a log field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var (
	loggerMu      sync.RWMutex
	defaultLogger Logger = noopLogger{}
)

// SetLogger overrides the global logger used by the engine.
func SetLogger(logger Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes structured lines to a standard library logger.
type StdLogger struct {
	out *log.Logger
}

// NewStdLogger constructs a logger writing to stderr.
func NewStdLogger() *StdLogger {
	return &StdLogger{out: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

// Debug writes a debug-level line.
func (l *StdLogger) Debug(msg string, fields ...Field) { l.write("DEBUG", msg, fields) }

// Info writes an info-level line.
func (l *StdLogger) Info(msg string, fields ...Field) { l.write("INFO", msg, fields) }

// Error writes an error-level line.
func (l *StdLogger) Error(msg string, fields ...Field) { l.write("ERROR", msg, fields) }

func (l *StdLogger) write(level, msg string, fields []Field) {
	if l == nil || l.out == nil {
		return
	}
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, level, msg)
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	l.out.Println(strings.Join(parts, " "))
}
