// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Field is a structured logging key-value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the logging interface used by sessions and channels. The library
// never configures a process-wide logger; callers inject one with WithLogger.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every message.
	With(fields ...Field) Logger
}

// NoOpLogger discards everything. It is the default.
type NoOpLogger struct{}

// Debug discards the message.
func (l *NoOpLogger) Debug(msg string, fields ...Field) {}

// Info discards the message.
func (l *NoOpLogger) Info(msg string, fields ...Field) {}

// Warn discards the message.
func (l *NoOpLogger) Warn(msg string, fields ...Field) {}

// Error discards the message.
func (l *NoOpLogger) Error(msg string, fields ...Field) {}

// With returns the receiver; there is nothing to annotate.
func (l *NoOpLogger) With(fields ...Field) Logger {
	return l
}

// StandardLogger writes key=value lines through a standard library
// *log.Logger. A nil Logger writes to stderr with a "spice: " prefix.
type StandardLogger struct {
	Logger *log.Logger

	context []Field
}

func (l *StandardLogger) output() *log.Logger {
	if l.Logger == nil {
		l.Logger = log.New(os.Stderr, "spice: ", log.LstdFlags|log.Lmicroseconds)
	}
	return l.Logger
}

func (l *StandardLogger) print(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range l.context {
		writeField(&b, f)
	}
	for _, f := range fields {
		writeField(&b, f)
	}
	l.output().Print(b.String())
}

func writeField(b *strings.Builder, f Field) {
	b.WriteByte(' ')
	b.WriteString(f.Key)
	b.WriteByte('=')
	b.WriteString(formatFieldValue(f.Value))
}

// formatFieldValue quotes errors and strings containing whitespace.
func formatFieldValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\r\n") {
			return `"` + v + `"`
		}
		return v
	case error:
		return `"` + v.Error() + `"`
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Debug writes msg at debug level.
func (l *StandardLogger) Debug(msg string, fields ...Field) { l.print("[DEBUG]", msg, fields) }

// Info writes msg at info level.
func (l *StandardLogger) Info(msg string, fields ...Field) { l.print("[INFO]", msg, fields) }

// Warn writes msg at warn level.
func (l *StandardLogger) Warn(msg string, fields ...Field) { l.print("[WARN]", msg, fields) }

// Error writes msg at error level.
func (l *StandardLogger) Error(msg string, fields ...Field) { l.print("[ERROR]", msg, fields) }

// With returns a StandardLogger sharing the same output with extra context.
func (l *StandardLogger) With(fields ...Field) Logger {
	ctx := make([]Field, 0, len(l.context)+len(fields))
	ctx = append(ctx, l.context...)
	ctx = append(ctx, fields...)
	return &StandardLogger{Logger: l.output(), context: ctx}
}

func loggerOrNoOp(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}
