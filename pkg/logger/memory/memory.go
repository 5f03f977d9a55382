// Package memory is a logger backend that keeps entries in memory, mainly for
// asserting on log output in tests.
package memory

import (
	"strings"
	"sync"
)

// Entry is one recorded log call.
type Entry struct {
	Level   string
	Message string
	Keyvals []any
}

// Recorder implements logger.LoggerInstance.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(level, message string, keyvals []any) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Level: level, Message: message, Keyvals: keyvals})
	r.mu.Unlock()
}

func (r *Recorder) Log(message string, keyvals ...any)   { r.add("log", message, keyvals) }
func (r *Recorder) Debug(message string, keyvals ...any) { r.add("debug", message, keyvals) }
func (r *Recorder) Info(message string, keyvals ...any)  { r.add("info", message, keyvals) }
func (r *Recorder) Warn(message string, keyvals ...any)  { r.add("warn", message, keyvals) }
func (r *Recorder) Error(message string, keyvals ...any) { r.add("error", message, keyvals) }

// Fatal records the entry. It does not exit.
func (r *Recorder) Fatal(message string, keyvals ...any) { r.add("fatal", message, keyvals) }

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many entries at level contain substr in their message.
func (r *Recorder) Count(level, substr string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}
