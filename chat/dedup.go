package chat

import (
	"sync"
	"time"
)

// duplicateWindow is the timestamp tolerance for treating two id-less
// messages with equal content and sender as the same logical message.
const duplicateWindow = time.Second

type dedupEntry struct {
	id       int64
	hasID    bool
	senderID int64
	content  string
	at       time.Time
}

// Deduplicator filters broker redeliveries. The broker replays at-least-once
// during reconnection; a message is admitted exactly once, keyed by server id
// when present and by a content/sender/time fingerprint otherwise. The window
// is bounded: oldest entries are evicted first so memory stays flat over a
// long session.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	seenIDs  map[int64]struct{}
	order    []dedupEntry
}

// NewDeduplicator returns a Deduplicator remembering at most capacity
// admitted messages.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = 512
	}
	return &Deduplicator{
		capacity: capacity,
		seenIDs:  make(map[int64]struct{}),
	}
}

// Admit reports whether the message should be forwarded to the consumer,
// recording it when it is. Rejections are duplicates, not errors.
func (dedup *Deduplicator) Admit(message *ChatMessage) bool {
	if dedup == nil || message == nil {
		return false
	}

	dedup.mu.Lock()
	defer dedup.mu.Unlock()

	if message.HasID() {
		if _, exists := dedup.seenIDs[*message.ID]; exists {
			return false
		}
	}

	// The fingerprint pass also applies to messages that do carry an id:
	// a redelivery can arrive with the server id after the original was
	// admitted without one.
	arrived := message.Timestamp.Time
	for _, entry := range dedup.order {
		if entry.content != message.Content || entry.senderID != message.SenderID {
			continue
		}
		delta := arrived.Sub(entry.at)
		if delta < 0 {
			delta = -delta
		}
		if delta < duplicateWindow {
			return false
		}
	}

	entry := dedupEntry{
		senderID: message.SenderID,
		content:  message.Content,
		at:       arrived,
	}
	if message.HasID() {
		entry.id = *message.ID
		entry.hasID = true
		dedup.seenIDs[*message.ID] = struct{}{}
	}
	dedup.order = append(dedup.order, entry)

	if len(dedup.order) > dedup.capacity {
		evicted := dedup.order[0]
		dedup.order = dedup.order[1:]
		if evicted.hasID {
			delete(dedup.seenIDs, evicted.id)
		}
	}

	return true
}

// Len reports how many admitted messages are currently remembered.
func (dedup *Deduplicator) Len() int {
	if dedup == nil {
		return 0
	}
	dedup.mu.Lock()
	defer dedup.mu.Unlock()
	return len(dedup.order)
}
