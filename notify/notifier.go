package notify

import (
	"sync"
	"sync/atomic"

	"github.com/waterlinehq/waterline/telemetry"
)

// defaultSignalBufferSize is the buffer size for marker signal channels.
// Sized to handle typical burst rates while keeping memory low.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// MarkerSignal announces one persisted read-marker change.
type MarkerSignal struct {
	Room  string
	User  string
	Event string
}

// RoomFilter limits a subscription to specific rooms. Empty matches all.
type RoomFilter struct {
	Rooms []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter RoomFilter
	ch     chan MarkerSignal
	closed atomic.Bool
}

// matches checks if the room matches this subscription's filter.
func (s *subscription) matches(room string) bool {
	// nil or empty = all rooms
	if len(s.filter.Rooms) == 0 {
		return true
	}

	for _, r := range s.filter.Rooms {
		if r == room {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe fan-out point for marker change signals. It
// implements the coordinator's NotificationPublisher.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new marker notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// MarkerChanged sends a signal to all matching subscribers (non-blocking).
func (h *Hub) MarkerChanged(room, user, event string) {
	signal := MarkerSignal{
		Room:  room,
		User:  user,
		Event: event,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(room) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- signal:
			telemetry.MarkerSignalsTotal.Inc()
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by MarkerChanged(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter RoomFilter) (<-chan MarkerSignal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan MarkerSignal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
