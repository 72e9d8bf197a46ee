package gateway

import (
	"sync"
	"time"

	"github.com/mudvault/mesh/wire"
)

// EventKind tags gateway lifecycle events.
type EventKind string

const (
	EventPeerConnected    EventKind = "peerConnected"
	EventPeerDisconnected EventKind = "peerDisconnected"
	EventMessageRouted    EventKind = "messageRouted"
)

// Event is one gateway lifecycle notification.
type Event struct {
	Kind        EventKind
	Mud         string
	MessageType wire.Type
	At          time.Time
}

// Hub fans events out to subscribers over bounded channels. A subscriber that
// falls behind loses events rather than stalling the gateway.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub returns an empty event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given buffer. The returned cancel
// function removes the subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber, dropping on full buffers.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
	h.mu.Unlock()
}
