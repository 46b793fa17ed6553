// Package fanout routes encoded events to the live connections subscribed to
// a key and to offline users' mailboxes.
package fanout

import (
	"sync"

	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/metrics"
)

// Subscriber is one live connection attached to a key.
type Subscriber interface {
	ID() string
	// UserID is the user the connection was opened for.
	UserID() string
	// Enqueue hands frame to the connection without blocking. It returns
	// false when the connection's send buffer is full.
	Enqueue(frame []byte) bool
	// Drop terminates a connection that cannot keep up.
	Drop()
}

type room struct {
	mu   sync.Mutex
	subs map[string]Subscriber
}

// Hub holds the local subscribers of every key. Frames broadcast on one key
// reach every subscriber in the order they were broadcast.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{rooms: make(map[string]*room), logger: log}
}

// Add attaches sub to key and reports whether it is the key's first local subscriber.
func (h *Hub) Add(key string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		r = &room{subs: make(map[string]Subscriber)}
		h.rooms[key] = r
	}

	r.mu.Lock()
	r.subs[sub.ID()] = sub
	r.mu.Unlock()
	return !ok
}

// Remove detaches sub from key and reports whether the key has no local
// subscribers left.
func (h *Hub) Remove(key string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		return false
	}

	r.mu.Lock()
	delete(r.subs, sub.ID())
	empty := len(r.subs) == 0
	r.mu.Unlock()

	if empty {
		delete(h.rooms, key)
	}
	return empty
}

// Count returns the number of local subscribers on key.
func (h *Hub) Count(key string) int {
	h.mu.Lock()
	r, ok := h.rooms[key]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast enqueues frame on every subscriber of key. A subscriber whose
// buffer is full is dropped and detached; the others are unaffected.
func (h *Hub) Broadcast(key string, frame []byte) {
	h.mu.Lock()
	r, ok := h.rooms[key]
	h.mu.Unlock()
	if !ok {
		return
	}

	var slow []Subscriber
	r.mu.Lock()
	for id, sub := range r.subs {
		if !sub.Enqueue(frame) {
			slow = append(slow, sub)
			delete(r.subs, id)
		}
	}
	r.mu.Unlock()

	for _, sub := range slow {
		metrics.FanoutDeliveryFailures.Inc()
		h.logger.Warn("dropping slow subscriber",
			zap.String("key", key),
			zap.String("conn_id", sub.ID()),
		)
		sub.Drop()
	}
}

// Evict detaches every subscriber of key owned by one of userIDs and returns
// them. The key's room is kept so the owners' later Unsubscribe calls still
// release the bus subscription.
func (h *Hub) Evict(key string, userIDs []string) []Subscriber {
	h.mu.Lock()
	r, ok := h.rooms[key]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	users := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		users[id] = true
	}

	var evicted []Subscriber
	r.mu.Lock()
	for id, sub := range r.subs {
		if users[sub.UserID()] {
			evicted = append(evicted, sub)
			delete(r.subs, id)
		}
	}
	r.mu.Unlock()
	return evicted
}
