// Package session maps AI-chat connections to the sessions they view.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/assistant"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/pkg/apperr"
	"github.com/paperhub/chat-platform/pkg/logger"
)

// Manager binds connections to sessions and owns the assistants of sessions.
// A user may hold any number of sessions, each viewed by any number of
// connections.
type Manager struct {
	store   store.Store
	cache   *assistant.Cache[*assistant.Assistant]
	builder *assistant.Builder
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	bindings map[string]string              // conn id -> session id
	channels map[string]map[string]struct{} // session id -> conn ids
}

// NewManager creates a session manager.
func NewManager(st store.Store, cache *assistant.Cache[*assistant.Assistant], builder *assistant.Builder, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		cache:    cache,
		builder:  builder,
		logger:   log,
		now:      time.Now,
		bindings: make(map[string]string),
		channels: make(map[string]map[string]struct{}),
	}
}

// ResolveOrCreate binds connID to requested when that session exists and is
// owned by userID; otherwise it creates a new session and binds to it.
// A connection bound elsewhere is moved.
func (m *Manager) ResolveOrCreate(ctx context.Context, userID, connID, requested string) (string, bool, error) {
	if requested != "" {
		cs, err := m.store.GetSession(ctx, requested)
		switch {
		case err == nil && cs.OwnerID == userID:
			m.bind(connID, cs.ID)
			return cs.ID, false, nil
		case err == nil:
			m.logger.Warn("session requested by non-owner, creating a new one",
				zap.String("session_id", requested), zap.String("user_id", userID))
		case !errors.Is(err, apperr.ErrNotFound):
			return "", false, fmt.Errorf("resolve session: %w", err)
		}
	}

	cs := model.ChatSession{ID: uuid.NewString(), OwnerID: userID, CreatedAt: m.now()}
	if err := m.store.CreateSession(ctx, cs); err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}
	m.bind(connID, cs.ID)
	return cs.ID, true, nil
}

// Attach binds connID to sessionID only when userID owns it. It never creates
// a session.
func (m *Manager) Attach(ctx context.Context, userID, connID, sessionID string) (bool, error) {
	cs, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("attach session: %w", err)
	}
	if cs.OwnerID != userID {
		return false, nil
	}
	m.bind(connID, cs.ID)
	return true, nil
}

func (m *Manager) bind(connID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbindLocked(connID)
	m.bindings[connID] = sessionID
	if m.channels[sessionID] == nil {
		m.channels[sessionID] = make(map[string]struct{})
	}
	m.channels[sessionID][connID] = struct{}{}
}

// SessionOf returns the session connID is bound to.
func (m *Manager) SessionOf(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bindings[connID]
	return id, ok
}

// ChannelsBoundTo returns the connections currently viewing sessionID.
func (m *Manager) ChannelsBoundTo(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels[sessionID]))
	for id := range m.channels[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Unbind detaches a closed connection. The session and its assistant stay.
func (m *Manager) Unbind(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbindLocked(connID)
}

func (m *Manager) unbindLocked(connID string) {
	sessionID, ok := m.bindings[connID]
	if !ok {
		return
	}
	delete(m.bindings, connID)
	delete(m.channels[sessionID], connID)
	if len(m.channels[sessionID]) == 0 {
		delete(m.channels, sessionID)
	}
}

// Assistant returns the session's assistant, loading it on first use.
func (m *Manager) Assistant(ctx context.Context, sessionID string) (*assistant.Assistant, error) {
	key := model.SessionRef(sessionID).Key()
	return m.cache.GetOrCreate(ctx, key, func(ctx context.Context) (*assistant.Assistant, error) {
		return m.builder.Load(ctx, key)
	})
}

// Logout evicts the assistants of every session userID owns and deletes
// their indices. Session records and their messages are kept.
func (m *Manager) Logout(ctx context.Context, userID string) error {
	sessions, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	var errs []error
	for _, cs := range sessions {
		key := model.SessionRef(cs.ID).Key()
		m.cache.Remove(key)
		if err := m.builder.RemoveIndex(key); err != nil {
			errs = append(errs, err)
		}

		m.mu.Lock()
		for connID := range m.channels[cs.ID] {
			delete(m.bindings, connID)
		}
		delete(m.channels, cs.ID)
		m.mu.Unlock()
	}

	m.logger.Info("user logged out of AI sessions",
		zap.String("user_id", userID), zap.Int("sessions", len(sessions)))
	return errors.Join(errs...)
}
