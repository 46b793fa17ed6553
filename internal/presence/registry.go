// Package presence tracks which users have live connections on which keys.
package presence

import (
	"context"
	"time"
)

// TypingTTL is how long a typing indicator stays set without a refresh.
const TypingTTL = 5 * time.Second

// Registry records live connections per fan-out key. All operations are
// idempotent. A user is online on a key while at least one of its connection
// ids is registered there.
type Registry interface {
	Register(ctx context.Context, key, userID, connID string) error
	// Deregister removes connID and drops the user's entry for key once its
	// last connection is gone.
	Deregister(ctx context.Context, key, userID, connID string) error
	IsOnline(ctx context.Context, key, userID string) (bool, error)
	OnlineUsers(ctx context.Context, key string) ([]string, error)

	// LastSeen returns when the user last dropped its final connection on any key.
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
	// SetTyping marks userID as typing on key for TypingTTL.
	SetTyping(ctx context.Context, key, userID string) error
	IsTyping(ctx context.Context, key, userID string) (bool, error)
}
