package sidecar

import (
	"sync"
	"time"
)

// EntryType classifies a terminal log entry.
type EntryType string

const (
	EntryCommand EntryType = "command"
	EntryStdout  EntryType = "stdout"
	EntryStderr  EntryType = "stderr"
	EntrySystem  EntryType = "system"
)

// Entry is one line of the sandbox terminal transcript.
type Entry struct {
	ID        int       `json:"id"`
	Type      EntryType `json:"type"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// maxTerminalEntries bounds the in-memory transcript.
const maxTerminalEntries = 2000

// TerminalLog is the bounded transcript of everything executed in the
// sandbox, with live subscription for streaming clients.
type TerminalLog struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int
	subs    map[chan Entry]struct{}
	now     func() time.Time
}

// NewTerminalLog creates an empty transcript.
func NewTerminalLog() *TerminalLog {
	return &TerminalLog{
		subs: make(map[chan Entry]struct{}),
		now:  time.Now,
	}
}

// Append records an entry and fans it out to subscribers. Slow subscribers
// miss entries rather than block the writer.
func (l *TerminalLog) Append(entryType EntryType, data string) Entry {
	l.mu.Lock()
	l.nextID++
	entry := Entry{ID: l.nextID, Type: entryType, Data: data, Timestamp: l.now()}
	l.entries = append(l.entries, entry)
	if len(l.entries) > maxTerminalEntries {
		l.entries = l.entries[len(l.entries)-maxTerminalEntries:]
	}
	for sub := range l.subs {
		select {
		case sub <- entry:
		default:
		}
	}
	l.mu.Unlock()
	return entry
}

// Entries returns a snapshot of the transcript.
func (l *TerminalLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear empties the transcript. Entry ids keep counting.
func (l *TerminalLog) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Subscribe registers a live feed. The caller must Unsubscribe when done.
func (l *TerminalLog) Subscribe() chan Entry {
	ch := make(chan Entry, 64)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	return ch
}

// Unsubscribe removes a feed.
func (l *TerminalLog) Unsubscribe(ch chan Entry) {
	l.mu.Lock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
	l.mu.Unlock()
}
