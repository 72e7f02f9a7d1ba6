package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TTL cache used when Redis is not configured.
// A background goroutine evicts expired entries every minute.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

type memoryEntry struct {
	raw       []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty cache. Call Close to stop the eviction goroutine.
func NewMemory() *Memory {
	c := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

func (c *Memory) Name() string { return "memory" }

func (c *Memory) Get(_ context.Context, key string, dest any) error {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || entry.expired(c.now()) {
		return ErrMiss
	}
	return decode(entry.raw, dest)
}

func (c *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	entry := memoryEntry{raw: raw}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *Memory) Ping(context.Context) error { return nil }

// Close stops the background eviction goroutine. Safe to call multiple times.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// evictLoop removes expired entries every minute.
func (c *Memory) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Memory) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if v.expired(now) {
			delete(c.entries, k)
		}
	}
}
