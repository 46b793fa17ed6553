package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handler receives frames published on a key.
type Handler func(frame []byte)

// Bus carries frames between the processes that serve a key. Frames
// published on a key reach that key's handlers in publication order.
type Bus interface {
	Publish(ctx context.Context, key string, frame []byte) error
	// Subscribe registers h for key; the returned func removes it.
	Subscribe(key string, h Handler) (func() error, error)
	Close() error
}

// LocalBus is a Bus for a single process. Publish invokes handlers inline.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]map[string]Handler)}
}

func (b *LocalBus) Publish(_ context.Context, key string, frame []byte) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[key]))
	for _, h := range b.handlers[key] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(frame)
	}
	return nil
}

func (b *LocalBus) Subscribe(key string, h Handler) (func() error, error) {
	id := uuid.NewString()
	b.mu.Lock()
	if b.handlers[key] == nil {
		b.handlers[key] = make(map[string]Handler)
	}
	b.handlers[key][id] = h
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[key], id)
		if len(b.handlers[key]) == 0 {
			delete(b.handlers, key)
		}
		return nil
	}, nil
}

func (b *LocalBus) Close() error { return nil }
