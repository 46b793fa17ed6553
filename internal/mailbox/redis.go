package mailbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores each user's queue in the list message_queue:<user>, newest at
// the head.
type Redis struct {
	rdb      *redis.Client
	maxItems int64
}

// NewRedis creates a mailbox that trims each queue to maxItems entries.
func NewRedis(rdb *redis.Client, maxItems int) *Redis {
	return &Redis{rdb: rdb, maxItems: int64(maxItems)}
}

func queueKey(userID string) string {
	return "message_queue:" + userID
}

func (r *Redis) Push(ctx context.Context, userID string, frame json.RawMessage) error {
	key := queueKey(userID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, []byte(frame))
		if r.maxItems > 0 {
			p.LTrim(ctx, key, 0, r.maxItems-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}
	return nil
}

func (r *Redis) Drain(ctx context.Context, userID string) ([]json.RawMessage, error) {
	key := queueKey(userID)
	var items *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		items = p.LRange(ctx, key, 0, -1)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain notifications: %w", err)
	}

	raw := items.Val()
	out := make([]json.RawMessage, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		out = append(out, json.RawMessage(raw[i]))
	}
	return out, nil
}
