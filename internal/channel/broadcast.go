package channel

import (
	"sync"
	"sync/atomic"
)

// Hub is the tier-1 direct broadcast path: lowest latency, fire-and-forget
// to all live subscribers. Sends are non-blocking; a full subscriber buffer
// drops the message and bumps a counter. No retry, no ordering guarantee
// beyond the sender's send order.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]chan Message
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[string]chan Message{}}
}

// Subscribe registers a context by sender id and returns its delivery
// channel plus a cancel func. Re-subscribing the same id replaces the old
// registration.
func (h *Hub) Subscribe(senderID string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	if old, ok := h.subs[senderID]; ok {
		close(old)
	}
	h.subs[senderID] = ch
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if cur, ok := h.subs[senderID]; ok && cur == ch {
			delete(h.subs, senderID)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans the message out to every subscriber except its sender.
// Self-echo suppression lives here so handlers never re-filter.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for senderID, ch := range h.subs {
		if senderID == msg.SenderID {
			continue
		}
		select {
		case ch <- msg:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Send delivers to a single subscriber, reporting whether the message was
// accepted. Same non-blocking contract as Publish: a full buffer drops the
// message, bumps the counter, and reports false.
func (h *Hub) Send(senderID string, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.subs[senderID]
	if !ok {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		atomic.AddUint64(&h.dropped, 1)
		return false
	}
}

// Dropped reports how many fire-and-forget sends hit a full buffer.
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
