package logger

import (
	"fmt"
	"sync"
)

// Entry is a single recorded log line.
type Entry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

// Recorder keeps log entries in memory so tests can assert on them.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Debug(msg string, keyvals ...any) { r.add("debug", msg, keyvals) }
func (r *Recorder) Info(msg string, keyvals ...any)  { r.add("info", msg, keyvals) }
func (r *Recorder) Warn(msg string, keyvals ...any)  { r.add("warn", msg, keyvals) }
func (r *Recorder) Error(msg string, keyvals ...any) { r.add("error", msg, keyvals) }

func (r *Recorder) add(level, msg string, keyvals []any) {
	fields := make(map[string]any, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, Fields: fields})
	r.mu.Unlock()
}

// Entries returns a snapshot of recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByLevel returns recorded entries at the given level.
func (r *Recorder) ByLevel(level string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}
