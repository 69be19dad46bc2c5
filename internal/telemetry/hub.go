package telemetry

import (
	"sync"
	"sync/atomic"

	"blastguard.ai/internal/provenance"
)

// Notification is one operator-facing fallback alert. Suppressed counts the
// fallbacks that were rate limited since the previous notification.
type Notification struct {
	Event      provenance.FallbackEvent `json:"event"`
	Suppressed uint64                   `json:"suppressed"`
}

// Hub fans notifications out to subscribers. Slow subscribers lose
// notifications rather than blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Notification

	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]chan Notification{}}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notification, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts notifications lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
