package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/pkg/logger"
)

const (
	// StreamName is the name of the chat events stream.
	StreamName = "CHAT_EVENTS"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream makes sure the chat events stream exists. Events are kept for
// a day; the message store is the durable record.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat fan-out events and user notifications",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject maps a fan-out key to its subject. Management keys
// (user_<id>_management) map to chat.user.<id>; all others to chat.conv.<key>.
func Subject(key string) string {
	if strings.HasPrefix(key, "user_") && strings.HasSuffix(key, "_management") {
		id := strings.TrimSuffix(strings.TrimPrefix(key, "user_"), "_management")
		return fmt.Sprintf("%s.user.%s", SubjectPrefix, id)
	}
	return fmt.Sprintf("%s.conv.%s", SubjectPrefix, key)
}

// Bus is a fanout.Bus over NATS. Publishes are persisted in the stream;
// every process with local subscribers on a key holds one core subscription
// on its subject, whose callbacks run in publication order.
type Bus struct {
	client *Client
	logger *logger.Logger
}

var _ fanout.Bus = (*Bus)(nil)

// NewBus creates a bus on an established client.
func NewBus(client *Client, log *logger.Logger) *Bus {
	return &Bus{client: client, logger: log}
}

// Publish publishes a frame to the key's subject.
func (b *Bus) Publish(ctx context.Context, key string, frame []byte) error {
	if _, err := b.client.JetStream().Publish(ctx, Subject(key), frame); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe delivers frames published on key to h.
func (b *Bus) Subscribe(key string, h fanout.Handler) (func() error, error) {
	subject := Subject(key)
	sub, err := b.client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub.Unsubscribe, nil
}

// Close is a no-op; the client owns the connection.
func (b *Bus) Close() error { return nil }
