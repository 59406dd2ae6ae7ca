// Package logging is the structured logger the chunk system components log
// through. Components accept a Logger; a nil Logger means no output.
package logging

import (
	"context"
	"log/slog"
	"testing"
)

type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// OrNop returns l, or a logger that drops everything if l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nop{}
	}
	return l
}

type slogLogger struct{ l *slog.Logger }

// NewSlog adapts a slog.Logger.
func NewSlog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{l: l}
}

func (s slogLogger) Debug(msg string, kv ...any) { s.l.Log(context.Background(), slog.LevelDebug, msg, kv...) }
func (s slogLogger) Info(msg string, kv ...any)  { s.l.Log(context.Background(), slog.LevelInfo, msg, kv...) }
func (s slogLogger) Warn(msg string, kv ...any)  { s.l.Log(context.Background(), slog.LevelWarn, msg, kv...) }
func (s slogLogger) Error(msg string, kv ...any) { s.l.Log(context.Background(), slog.LevelError, msg, kv...) }

// With returns a logger that adds kv to every record. Loggers other than the
// slog adapter are returned unchanged.
func With(l Logger, kv ...any) Logger {
	if s, ok := l.(slogLogger); ok {
		return slogLogger{l: s.l.With(kv...)}
	}
	return l
}

type nop struct{}

func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}

type testLogger struct{ t testing.TB }

// Testing logs through t.Log, so output shows up only for failing tests.
func Testing(t testing.TB) Logger { return testLogger{t: t} }

func (l testLogger) Debug(msg string, kv ...any) { l.log("DEBUG", msg, kv) }
func (l testLogger) Info(msg string, kv ...any)  { l.log("INFO", msg, kv) }
func (l testLogger) Warn(msg string, kv ...any)  { l.log("WARN", msg, kv) }
func (l testLogger) Error(msg string, kv ...any) { l.log("ERROR", msg, kv) }

func (l testLogger) log(level, msg string, kv []any) {
	l.t.Helper()
	args := append([]any{level, msg}, kv...)
	l.t.Log(args...)
}
