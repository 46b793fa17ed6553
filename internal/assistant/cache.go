package assistant

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/metrics"
)

// ErrRemoved is returned to callers whose value was removed while it was
// being built.
var ErrRemoved = errors.New("assistant removed while loading")

// build marks a factory call in flight. Remove sets removed so the result is
// discarded.
type build struct {
	removed bool
}

type cacheEntry[V any] struct {
	value      V
	lastAccess time.Time
}

// Cache holds one value per key and evicts values that have not been used
// for longer than the idle timeout. Concurrent misses on one key share a
// single factory call; misses on different keys never wait on each other.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry[V]
	builds   map[string]*build
	group    singleflight.Group
	interval time.Duration
	idle     time.Duration
	now      func() time.Time
	logger   *logger.Logger
}

// NewCache creates a cache swept every interval, evicting entries idle
// longer than idle.
func NewCache[V any](interval, idle time.Duration, log *logger.Logger) *Cache[V] {
	return &Cache[V]{
		entries:  make(map[string]*cacheEntry[V]),
		builds:   make(map[string]*build),
		interval: interval,
		idle:     idle,
		now:      time.Now,
		logger:   log,
	}
}

// Get returns the cached value and refreshes its last access.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.lastAccess = c.now()
	return e.value, true
}

// GetOrCreate returns the cached value or builds it with factory. The
// factory runs detached from ctx: a cancelled caller stops waiting and gets
// ctx's error while the build continues for everyone else. Factory errors
// reach every waiter and are not cached.
func (c *Cache[V]) GetOrCreate(ctx context.Context, key string, factory func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.lastAccess = c.now()
			c.mu.Unlock()
			return e.value, nil
		}
		b := &build{}
		c.builds[key] = b
		c.mu.Unlock()

		v, err := factory(buildCtx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.builds[key] == b {
			delete(c.builds, key)
		}
		if err != nil {
			metrics.AssistantBuilds.WithLabelValues("error").Inc()
			return v, err
		}
		metrics.AssistantBuilds.WithLabelValues("ok").Inc()
		if b.removed {
			var zero V
			return zero, ErrRemoved
		}
		c.entries[key] = &cacheEntry[V]{value: v, lastAccess: c.now()}
		metrics.AssistantCacheEntries.Set(float64(len(c.entries)))
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Remove evicts key and reports whether it was cached. A build of key in
// flight is discarded when it finishes and its waiters get ErrRemoved.
func (c *Cache[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.builds[key]; ok {
		b.removed = true
		delete(c.builds, key)
		c.group.Forget(key)
	}
	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		metrics.AssistantEvictions.WithLabelValues("removed").Inc()
		metrics.AssistantCacheEntries.Set(float64(len(c.entries)))
	}
	return ok
}

// Len returns the number of cached values.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts entries idle longer than the idle timeout and returns how many
// it evicted.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.idle)
	evicted := 0
	for key, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.AssistantEvictions.WithLabelValues("idle").Add(float64(evicted))
		metrics.AssistantCacheEntries.Set(float64(len(c.entries)))
	}
	return evicted
}

// Run sweeps on every interval until ctx is done.
func (c *Cache[V]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("assistant cache sweeper started",
		zap.Duration("interval", c.interval),
		zap.Duration("idle_timeout", c.idle),
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("assistant cache sweeper stopped")
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Info("evicted idle assistants", zap.Int("count", n), zap.Int("remaining", c.Len()))
			}
		}
	}
}
