package dedupe

import (
	"context"
	"sync"
	"time"
)

const DefaultTTL = 5 * time.Minute

// Cache is a time-bounded set of recently observed keys.
type Cache struct {
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// NewCache creates a cache and starts its cleanup loop, which runs until
// ctx is done or Stop is called.
func NewCache(ctx context.Context, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Cache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		cancel:  cancel,
	}
	go c.cleanup(ctx)
	return c
}

// Stop ends the cleanup loop.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Observe records key and reports whether it had already been seen within
// the TTL. Empty keys are never treated as duplicates.
func (c *Cache) Observe(key string) (duplicate bool) {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seenAt, ok := c.entries[key]; ok && now.Sub(seenAt) <= c.ttl {
		return true
	}
	c.entries[key] = now
	return false
}

// Forget removes key so a later delivery is processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Size returns the number of tracked keys, including expired ones not yet
// swept.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, seenAt := range c.entries {
		if now.Sub(seenAt) > c.ttl {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) cleanup(ctx context.Context) {
	interval := c.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}
