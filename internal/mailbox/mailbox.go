// Package mailbox queues notifications for users who are not connected to
// their management channel. Queued items are drained on the next connect.
package mailbox

import (
	"context"
	"encoding/json"
	"sync"
)

// Mailbox is a bounded per-user queue of encoded events.
type Mailbox interface {
	Push(ctx context.Context, userID string, frame json.RawMessage) error
	// Drain returns and clears the user's queue, oldest first.
	Drain(ctx context.Context, userID string) ([]json.RawMessage, error)
}

// Memory keeps queues in process memory.
type Memory struct {
	mu       sync.Mutex
	queues   map[string][]json.RawMessage
	maxItems int
}

// NewMemory creates a mailbox that keeps at most maxItems per user, dropping
// the oldest first. maxItems <= 0 means unbounded.
func NewMemory(maxItems int) *Memory {
	return &Memory{queues: make(map[string][]json.RawMessage), maxItems: maxItems}
}

func (m *Memory) Push(_ context.Context, userID string, frame json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := append(m.queues[userID], append(json.RawMessage(nil), frame...))
	if m.maxItems > 0 && len(q) > m.maxItems {
		q = q[len(q)-m.maxItems:]
	}
	m.queues[userID] = q
	return nil
}

func (m *Memory) Drain(_ context.Context, userID string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[userID]
	delete(m.queues, userID)
	return q, nil
}
