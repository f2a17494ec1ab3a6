package gamelog

import (
	"fmt"
	"sync"
	"time"
)

// Entry is one line of the player-visible adventure log. Client-local only,
// never sent to the backend.
type Entry struct {
	ID        string
	Timestamp time.Time
	Message   string
}

// Book is an append-only log. A single watcher (the terminal UI) can be
// notified on every append.
type Book struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int
	notify  func(Entry)
	now     func() time.Time
}

func New(seed string) *Book {
	b := &Book{now: time.Now}
	b.entries = []Entry{b.build(seed)}
	return b
}

func (b *Book) build(message string) Entry {
	id := fmt.Sprintf("%d-%d", b.now().UnixMilli(), b.nextID)
	b.nextID++
	return Entry{ID: id, Timestamp: b.now(), Message: message}
}

func (b *Book) Append(message string) {
	b.mu.Lock()
	entry := b.build(message)
	b.entries = append(b.entries, entry)
	notify := b.notify
	b.mu.Unlock()
	if notify != nil {
		notify(entry)
	}
}

func (b *Book) Appendf(format string, args ...any) {
	b.Append(fmt.Sprintf(format, args...))
}

// Reset drops all entries and starts over with a single seed message.
func (b *Book) Reset(message string) {
	b.mu.Lock()
	entry := b.build(message)
	b.entries = []Entry{entry}
	notify := b.notify
	b.mu.Unlock()
	if notify != nil {
		notify(entry)
	}
}

func (b *Book) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Tail returns the most recent n entries, oldest first.
func (b *Book) Tail(n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]Entry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// OnAppend registers the watcher. Only one; the last registration wins.
func (b *Book) OnAppend(fn func(Entry)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}
