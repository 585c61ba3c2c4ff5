package gateway

import (
	"errors"
	"sync"

	"github.com/zeusync/worldcore/internal/core/models"
)

var ErrCursorExpired = errors.New("cursor older than retained deltas")

// Cursor is the position of a delta in the hub's log. Cursors start at 1 and
// increase by one per published delta.
type Cursor uint64

type entry struct {
	cursor Cursor
	delta  models.SyncDelta
}

// Hub is an append-only log of committed deltas kept in a bounded ring.
// Publishing never blocks; slow readers fall behind and eventually see
// ErrCursorExpired.
type Hub struct {
	mu   sync.RWMutex
	ring []entry
	// next is the cursor the next published delta receives.
	next Cursor
	wake chan struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Hub{ring: make([]entry, capacity), next: 1, wake: make(chan struct{})}
}

// Publish appends a delta and wakes every waiting reader.
func (h *Hub) Publish(d models.SyncDelta) Cursor {
	h.mu.Lock()
	c := h.next
	h.ring[int(uint64(c)%uint64(len(h.ring)))] = entry{cursor: c, delta: d}
	h.next++
	wake := h.wake
	h.wake = make(chan struct{})
	h.mu.Unlock()

	close(wake)
	return c
}

// Head is the cursor the next delta will get.
func (h *Hub) Head() Cursor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.next
}

// Oldest is the smallest cursor still retained.
func (h *Hub) Oldest() Cursor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.oldestLocked()
}

func (h *Hub) oldestLocked() Cursor {
	if n := Cursor(len(h.ring)); h.next > n {
		return h.next - n
	}
	return 1
}

// read returns up to limit entries starting at from, the cursor after the
// last one, and a channel closed on the next publish.
func (h *Hub) read(from Cursor, limit int) ([]entry, Cursor, <-chan struct{}, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if from < h.oldestLocked() {
		return nil, from, nil, ErrCursorExpired
	}
	if from >= h.next {
		return nil, from, h.wake, nil
	}
	n := min(int(h.next-from), limit)
	out := make([]entry, 0, n)
	for c := from; c < from+Cursor(n); c++ {
		out = append(out, h.ring[int(uint64(c)%uint64(len(h.ring)))])
	}
	return out, from + Cursor(n), h.wake, nil
}
