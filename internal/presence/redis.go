package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// deregisterScript removes one connection id and, when it was the user's last
// one on the key, removes the user from the key's online set.
// Returns 1 when the user went offline.
var deregisterScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
if redis.call("SCARD", KEYS[1]) == 0 then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// Redis is a Registry shared by every process pointing at the same server.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func onlineKey(key string) string { return "online_users:" + key }
func connsKey(key, userID string) string { return "presence:" + key + ":" + userID }
func lastSeenKey(userID string) string { return "user:" + userID + ":last_seen" }
func typingKey(key, userID string) string { return "typing:" + key + ":" + userID }

func (r *Redis) Register(ctx context.Context, key, userID, connID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, connsKey(key, userID), connID)
		p.SAdd(ctx, onlineKey(key), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	return nil
}

func (r *Redis) Deregister(ctx context.Context, key, userID, connID string) error {
	wentOffline, err := deregisterScript.Run(ctx, r.rdb,
		[]string{connsKey(key, userID), onlineKey(key)},
		connID, userID,
	).Int()
	if err != nil {
		return fmt.Errorf("deregister presence: %w", err)
	}
	if wentOffline == 1 {
		ts := strconv.FormatInt(r.now().Unix(), 10)
		if err := r.rdb.Set(ctx, lastSeenKey(userID), ts, 0).Err(); err != nil {
			return fmt.Errorf("stamp last seen: %w", err)
		}
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, key, userID string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, onlineKey(key), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return ok, nil
}

func (r *Redis) OnlineUsers(ctx context.Context, key string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, onlineKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

func (r *Redis) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := r.rdb.Get(ctx, lastSeenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last seen: %w", err)
	}
	return time.Unix(v, 0), true, nil
}

func (r *Redis) SetTyping(ctx context.Context, key, userID string) error {
	if err := r.rdb.SetEx(ctx, typingKey(key, userID), "1", TypingTTL).Err(); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (r *Redis) IsTyping(ctx context.Context, key, userID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, typingKey(key, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check typing: %w", err)
	}
	return n == 1, nil
}
