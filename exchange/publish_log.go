package exchange

import (
	"sync"
	"time"

	"github.com/warrenmq/warren-go/contracts"
)

// Entry is one message handed to a channel's publish whose broker
// acknowledgment has not yet returned.
type Entry struct {
	ID      string            // Log entry identifier, stable across replays
	Message contracts.Message // Snapshot of the published message
	SentAt  time.Time         // When the send was handed to the channel
}

// PublishLog is the ordered record of sent-but-unconfirmed messages for the
// current channel generation. The machine is its only writer; Count may be
// read from any goroutine for diagnostics. The log never holds a message
// whose fate is already known: confirmed and nacked entries are removed, and
// Reset drains everything for replay.
type PublishLog struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewPublishLog creates an empty log.
func NewPublishLog() *PublishLog {
	return &PublishLog{}
}

// Append records a sent message. Order is preserved; there is no
// deduplication.
func (l *PublishLog) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Confirm removes the entry with the given ID and reports whether it was
// present. Confirming an absent entry is not an error; the confirmation may
// simply have raced a reset.
func (l *PublishLog) Confirm(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Reset atomically drains and returns all entries in append order. Called
// once per reconnect cycle, after the prior channel is retired, and at
// destroy time to surface dropped messages.
func (l *PublishLog) Reset() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.entries
	l.entries = nil
	return entries
}

// Count reports the number of unconfirmed entries.
func (l *PublishLog) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
