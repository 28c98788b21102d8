package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local Cache for development and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache starts a cache that sweeps expired keys every interval.
func NewMemoryCache(interval time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanupRoutine(interval)
	return c
}

func (c *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists || entry.expired(c.now()) {
		return "", ErrMiss
	}
	return entry.value, nil
}

func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Close stops the sweeper. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *MemoryCache) cleanupRoutine(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}
