package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Local is a process-local Registry.
type Local struct {
	mu       sync.RWMutex
	online   map[string]map[string]map[string]struct{} // key -> user -> conn ids
	lastSeen map[string]time.Time
	typing   map[string]time.Time // key + "\x00" + user -> expiry

	now func() time.Time
}

// NewLocal creates an empty registry.
func NewLocal() *Local {
	return &Local{
		online:   make(map[string]map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		typing:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (r *Local) Register(_ context.Context, key, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, ok := r.online[key]
	if !ok {
		users = make(map[string]map[string]struct{})
		r.online[key] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(map[string]struct{})
		users[userID] = conns
	}
	conns[connID] = struct{}{}
	return nil
}

func (r *Local) Deregister(_ context.Context, key, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.online[key][userID]
	if !ok {
		return nil
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return nil
	}
	delete(r.online[key], userID)
	if len(r.online[key]) == 0 {
		delete(r.online, key)
	}
	r.lastSeen[userID] = r.now()
	return nil
}

func (r *Local) IsOnline(_ context.Context, key, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[key][userID]
	return ok, nil
}

func (r *Local) OnlineUsers(_ context.Context, key string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.online[key]))
	for id := range r.online[key] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Local) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[userID]
	return t, ok, nil
}

func (r *Local) SetTyping(_ context.Context, key, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, exp := range r.typing {
		if !exp.After(now) {
			delete(r.typing, k)
		}
	}
	r.typing[key+"\x00"+userID] = now.Add(TypingTTL)
	return nil
}

func (r *Local) IsTyping(_ context.Context, key, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp, ok := r.typing[key+"\x00"+userID]
	return ok && exp.After(r.now()), nil
}
