// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package logger wraps log/slog for the engine's structured log lines.
package logger

import (
	"context"
	"log/slog"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// Logger writes structured entries to a *slog.Logger.
type Logger struct {
	logging *slog.Logger
}

// New wraps l. A nil l discards every entry.
func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Logger{logging: l}
}

// Log writes message at level with fields, which are slog attributes or key/value pairs.
func (a *Logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if a == nil || a.logging == nil {
		return
	}
	var slogLevel slog.Level
	switch level {
	case Info:
		slogLevel = slog.LevelInfo
	case Err:
		slogLevel = slog.LevelError
	case Warn:
		slogLevel = slog.LevelWarn
	case Debug:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}
	a.logging.Log(ctx, slogLevel, message, fields...)
}

// Field creates a slog field for any value
func Field(key string, value any) any {
	return slog.Any(key, value)
}
