// Package dedup rejects envelopes that were already delivered within a short window.
//
// It only guards against literal re-delivery (same type, sender and timestamp),
// for example frames replayed around a reconnect. It does not resolve
// conflicting edits.
package dedup

import (
	"context"
	"time"

	"diagramsync/internal/protocol"

	"github.com/c-pro/geche"
)

const DefaultWindow = 5 * time.Second

type Window struct {
	ttl    time.Duration
	seen   *geche.Locker[string, time.Time]
	now    func() time.Time
	cancel context.CancelFunc
}

// New creates a window that forgets fingerprints after ttl.
// The window stops its cleanup goroutine when ctx is done or Close is called.
func New(ctx context.Context, ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Window{
		ttl:    ttl,
		seen:   geche.NewLocker[string, time.Time](geche.NewMapTTLCache[string, time.Time](ctx, ttl, ttl)),
		now:    time.Now,
		cancel: cancel,
	}
}

// Observe records msg and reports whether it is a duplicate of a delivery seen within the window.
func (w *Window) Observe(msg protocol.Message) bool {
	return w.ObserveKey(protocol.Fingerprint(msg))
}

// ObserveKey is Observe for a precomputed fingerprint.
func (w *Window) ObserveKey(key string) bool {
	now := w.now()

	tx := w.seen.Lock()
	defer tx.Unlock()

	if seenAt, err := tx.Get(key); err == nil && now.Sub(seenAt) < w.ttl {
		return true
	}
	tx.Set(key, now)
	return false
}

func (w *Window) Close() {
	w.cancel()
}
