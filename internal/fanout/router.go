package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/mailbox"
	"github.com/paperhub/chat-platform/internal/model"
	"github.com/paperhub/chat-platform/internal/presence"
	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/metrics"
)

const evictTimeout = 5 * time.Second

// evictPrefix starts the control frame that revokes users' access to a key.
// Encoded events always start with their type field, so they never match.
var evictPrefix = []byte(`{"evict_users":`)

type evictFrame struct {
	UserIDs []string `json:"evict_users"`
}

// Router publishes events to keys and notifications to users.
type Router struct {
	hub      *Hub
	bus      Bus
	registry presence.Registry
	mailbox  mailbox.Mailbox
	logger   *logger.Logger

	mu     sync.Mutex
	unsubs map[string]func() error
}

// NewRouter creates a router. mb may be nil, in which case notifications for
// users without a management connection are not queued.
func NewRouter(hub *Hub, bus Bus, registry presence.Registry, mb mailbox.Mailbox, log *logger.Logger) *Router {
	return &Router{
		hub:      hub,
		bus:      bus,
		registry: registry,
		mailbox:  mb,
		logger:   log,
		unsubs:   make(map[string]func() error),
	}
}

// Subscribe attaches a live connection to key. The first local subscriber of
// a key opens the process's bus subscription for it.
func (r *Router) Subscribe(key string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hub.Add(key, sub) {
		return nil
	}
	unsub, err := r.bus.Subscribe(key, func(frame []byte) {
		if bytes.HasPrefix(frame, evictPrefix) {
			r.evictLocal(key, frame)
			return
		}
		r.hub.Broadcast(key, frame)
	})
	if err != nil {
		r.hub.Remove(key, sub)
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	r.unsubs[key] = unsub
	return nil
}

// Unsubscribe detaches a connection. The last local subscriber closes the
// bus subscription.
func (r *Router) Unsubscribe(key string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hub.Remove(key, sub) {
		return
	}
	unsub, ok := r.unsubs[key]
	if !ok {
		return
	}
	delete(r.unsubs, key)
	if err := unsub(); err != nil {
		r.logger.Warn("failed to close bus subscription", zap.String("key", key), zap.Error(err))
	}
}

// Publish multicasts event to every connection subscribed to key.
func (r *Router) Publish(ctx context.Context, key string, event *model.Event) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.bus.Publish(ctx, key, frame); err != nil {
		metrics.FanoutDeliveryFailures.Inc()
		return fmt.Errorf("publish %s: %w", key, err)
	}
	metrics.FanoutEventsTotal.WithLabelValues("conversation").Inc()
	return nil
}

// NotifyOffline sends event to userID's management channel. When the user has
// no management connection the event is also queued in its mailbox.
func (r *Router) NotifyOffline(ctx context.Context, userID string, event *model.Event) error {
	key := model.MailboxKey(userID)
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := r.bus.Publish(ctx, key, frame); err != nil {
		metrics.FanoutDeliveryFailures.Inc()
		return fmt.Errorf("publish %s: %w", key, err)
	}
	metrics.FanoutEventsTotal.WithLabelValues("mailbox").Inc()

	if r.mailbox == nil {
		return nil
	}
	online, err := r.registry.IsOnline(ctx, key, userID)
	if err != nil {
		r.logger.Warn("presence lookup failed, queueing notification",
			zap.String("user_id", userID), zap.Error(err))
	}
	if online {
		return nil
	}
	if err := r.mailbox.Push(ctx, userID, frame); err != nil {
		return fmt.Errorf("queue notification for %s: %w", userID, err)
	}
	metrics.FanoutEventsTotal.WithLabelValues("queued").Inc()
	return nil
}

// Deliver sends notification to every recipient not currently online on key,
// then multicasts event on key once. It returns the recipients that were
// online. Notification failures are logged and do not stop delivery.
func (r *Router) Deliver(ctx context.Context, key string, recipients []string, event, notification *model.Event) ([]string, error) {
	var online []string
	for _, userID := range recipients {
		ok, err := r.registry.IsOnline(ctx, key, userID)
		if err != nil {
			r.logger.Warn("presence lookup failed, treating recipient as offline",
				zap.String("key", key), zap.String("user_id", userID), zap.Error(err))
		}
		if ok {
			online = append(online, userID)
			continue
		}
		if err := r.NotifyOffline(ctx, userID, notification); err != nil {
			r.logger.Error("failed to notify offline recipient",
				zap.String("key", key), zap.String("user_id", userID), zap.Error(err))
		}
	}

	if err := r.Publish(ctx, key, event); err != nil {
		return online, err
	}
	return online, nil
}

// Drain returns the notifications queued for userID while it was away.
func (r *Router) Drain(ctx context.Context, userID string) ([]json.RawMessage, error) {
	if r.mailbox == nil {
		return nil, nil
	}
	return r.mailbox.Drain(ctx, userID)
}

// Evict disconnects every live connection of userIDs on key, in this process
// and in every other process serving key. Frames published on key after Evict
// returns never reach those connections.
func (r *Router) Evict(ctx context.Context, key string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	frame, err := json.Marshal(evictFrame{UserIDs: userIDs})
	if err != nil {
		return fmt.Errorf("encode eviction: %w", err)
	}
	if err := r.bus.Publish(ctx, key, frame); err != nil {
		return fmt.Errorf("publish eviction %s: %w", key, err)
	}
	return nil
}

func (r *Router) evictLocal(key string, frame []byte) {
	var ev evictFrame
	if err := json.Unmarshal(frame, &ev); err != nil {
		r.logger.Warn("malformed eviction frame", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
	defer cancel()
	for _, sub := range r.hub.Evict(key, ev.UserIDs) {
		if err := r.registry.Deregister(ctx, key, sub.UserID(), sub.ID()); err != nil {
			r.logger.Warn("failed to deregister evicted connection",
				zap.String("key", key), zap.String("conn_id", sub.ID()), zap.Error(err))
		}
		r.logger.Info("evicted connection",
			zap.String("key", key), zap.String("user_id", sub.UserID()), zap.String("conn_id", sub.ID()))
		sub.Drop()
	}
}
