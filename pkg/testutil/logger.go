package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/nimburion/conveyor/pkg/observability/logger"
)

// NopLogger discards every entry.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

func (l NopLogger) With(...any) logger.Logger { return l }

func (l NopLogger) WithContext(context.Context) logger.Logger { return l }

// Entry is one message captured by RecordingLogger.
type Entry struct {
	Level   string
	Message string
	Args    []any
}

// RecordingLogger keeps entries in memory so tests can assert on them.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []Entry
	fields  []any
	root    *RecordingLogger
}

func (l *RecordingLogger) record(level, msg string, args []any) {
	target := l
	if l.root != nil {
		target = l.root
	}
	all := append(append([]any{}, l.fields...), args...)
	target.mu.Lock()
	target.entries = append(target.entries, Entry{Level: level, Message: msg, Args: all})
	target.mu.Unlock()
}

func (l *RecordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *RecordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *RecordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *RecordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *RecordingLogger) With(args ...any) logger.Logger {
	root := l
	if l.root != nil {
		root = l.root
	}
	return &RecordingLogger{fields: append(append([]any{}, l.fields...), args...), root: root}
}

func (l *RecordingLogger) WithContext(context.Context) logger.Logger { return l }

// Entries returns a copy of the captured entries.
func (l *RecordingLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Has reports whether an entry with level and message was captured.
func (l *RecordingLogger) Has(level, msg string) bool {
	for _, entry := range l.Entries() {
		if entry.Level == level && entry.Message == msg {
			return true
		}
	}
	return false
}

// String renders the captured entries for failure messages.
func (l *RecordingLogger) String() string {
	return fmt.Sprint(l.Entries())
}
