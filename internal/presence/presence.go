// Package presence tracks the remote peers of one diagram view from the
// user_join and user_leave envelopes they send.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Participant is a remote peer joined to the same diagram.
type Participant struct {
	SessionID string    `json:"sessionId"`
	Nickname  string    `json:"nickname"`
	JoinedAt  time.Time `json:"joinedAt"`
	LastSeen  time.Time `json:"lastSeen"`

	order uint64
}

// Tracker keeps the set of peers derived from join/leave traffic.
// Peers that vanish without a leave stay listed until the relay reports their departure.
type Tracker struct {
	participants map[string]*Participant
	next         uint64
	now          func() time.Time

	mu sync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{
		participants: make(map[string]*Participant),
		now:          time.Now,
	}
}

// Join adds a peer, or refreshes it if already present.
// It reports whether the peer was not present before.
func (t *Tracker) Join(sessionID, nickname string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if p, ok := t.participants[sessionID]; ok {
		p.LastSeen = now
		if nickname != "" {
			p.Nickname = nickname
		}
		return *p, false
	}

	t.next++
	p := &Participant{
		SessionID: sessionID,
		Nickname:  nickname,
		JoinedAt:  now,
		LastSeen:  now,
		order:     t.next,
	}
	t.participants[sessionID] = p
	return *p, true
}

// Leave removes a peer. Unknown peers are ignored.
func (t *Tracker) Leave(sessionID string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.participants[sessionID]
	if !ok {
		return Participant{}, false
	}
	delete(t.participants, sessionID)
	return *p, true
}

// Touch refreshes LastSeen of a present peer. It never adds one.
func (t *Tracker) Touch(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.participants[sessionID]
	if ok {
		p.LastSeen = t.now()
	}
	return ok
}

// List returns the present peers ordered by join time.
func (t *Tracker) List() []Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		result = append(result, *p)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].JoinedAt.Before(result[j].JoinedAt)
		}
		return result[i].order < result[j].order
	})

	return result
}

// Reset forgets every peer.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.participants = make(map[string]*Participant)
}
