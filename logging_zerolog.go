// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger wraps zl.
func NewZerologLogger(zl zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{zl: zl}
}

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			ev = ev.AnErr(f.Key, v)
		case fmt.Stringer:
			ev = ev.Stringer(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

// Debug emits a zerolog debug event.
func (l *ZerologLogger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }

// Info emits a zerolog info event.
func (l *ZerologLogger) Info(msg string, fields ...Field) { l.emit(l.zl.Info(), msg, fields) }

// Warn emits a zerolog warn event.
func (l *ZerologLogger) Warn(msg string, fields ...Field) { l.emit(l.zl.Warn(), msg, fields) }

// Error emits a zerolog error event.
func (l *ZerologLogger) Error(msg string, fields ...Field) { l.emit(l.zl.Error(), msg, fields) }

// With returns a logger whose context carries fields.
func (l *ZerologLogger) With(fields ...Field) Logger {
	c := l.zl.With()
	for _, f := range fields {
		if v, ok := f.Value.(fmt.Stringer); ok {
			c = c.Stringer(f.Key, v)
			continue
		}
		c = c.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{zl: c.Logger()}
}
