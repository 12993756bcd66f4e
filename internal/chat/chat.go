// Package chat keeps the recent chat history of a relay room.
package chat

import (
	"sync"
)

// Record is one chat envelope as the relay forwarded it.
type Record struct {
	MessageID string
	SessionID string
	Timestamp int64
	Envelope  []byte
}

// History holds the newest records of a room, up to its capacity.
type History struct {
	records []Record
	// head is the index of the oldest record once the buffer is full.
	head int
	cap  int

	mu sync.RWMutex
}

func NewHistory(capacity int) *History {
	return &History{
		records: make([]Record, 0, max(capacity, 0)),
		cap:     capacity,
	}
}

// Add appends rec, evicting the oldest record when the history is full.
// A history with no capacity keeps nothing.
func (h *History) Add(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cap <= 0 {
		return
	}
	if len(h.records) < h.cap {
		h.records = append(h.records, rec)
		return
	}
	h.records[h.head] = rec
	h.head = (h.head + 1) % h.cap
}

// After returns, oldest first, the records that followed the message with id
// messageID. If that message is empty or no longer held, every record is returned.
func (h *History) After(messageID string) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ordered := make([]Record, 0, len(h.records))
	ordered = append(ordered, h.records[h.head:]...)
	ordered = append(ordered, h.records[:h.head]...)

	if messageID == "" {
		return ordered
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].MessageID == messageID {
			return ordered[i+1:]
		}
	}
	return ordered
}
