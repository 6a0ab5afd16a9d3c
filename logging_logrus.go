// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus entry to Logger.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l. A nil l uses a new logrus.Logger, never the
// package-level standard logger.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.New()
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func logrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

// Debug logs msg through the entry at logrus.DebugLevel.
func (l *LogrusLogger) Debug(msg string, fields ...Field) {
	l.entry.WithFields(logrusFields(fields)).Debug(msg)
}

// Info logs msg through the entry at logrus.InfoLevel.
func (l *LogrusLogger) Info(msg string, fields ...Field) {
	l.entry.WithFields(logrusFields(fields)).Info(msg)
}

// Warn logs msg through the entry at logrus.WarnLevel.
func (l *LogrusLogger) Warn(msg string, fields ...Field) {
	l.entry.WithFields(logrusFields(fields)).Warn(msg)
}

// Error logs msg through the entry at logrus.ErrorLevel.
func (l *LogrusLogger) Error(msg string, fields ...Field) {
	l.entry.WithFields(logrusFields(fields)).Error(msg)
}

// With returns a logger whose entry carries fields.
func (l *LogrusLogger) With(fields ...Field) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrusFields(fields))}
}
