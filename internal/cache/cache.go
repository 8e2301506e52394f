// SPDX-License-Identifier: MIT

// Package cache provides a thread-safe byte cache with TTL support, used to
// keep upstream YAML bodies across refresh runs (ETag revalidation). Three
// backends exist: in-memory, badger (on-disk), and redis.
package cache

import (
	"sync"
	"time"
)

// Cache provides thread-safe caching with expiration support.
type Cache interface {
	// Get retrieves a value from the cache. Returns false if not found or expired.
	Get(key string) ([]byte, bool)
	// Set stores a value in the cache with the specified TTL.
	Set(key string, value []byte, ttl time.Duration)
	// Delete removes a value from the cache.
	Delete(key string)
	// Stats returns cache statistics.
	Stats() Stats
	// Close releases backend resources.
	Close() error
}

// Stats holds cache performance metrics.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type entry struct {
	value      []byte
	expiration time.Time
}

func (e *entry) isExpired() bool {
	return time.Now().After(e.expiration)
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	janitor *janitor
}

// NewMemory creates a new in-memory cache with automatic cleanup.
// The cleanupInterval determines how often expired entries are removed.
func NewMemory(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
	}

	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}

	return c
}

func (c *memoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.isExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return e.value, true
}

func (c *memoryCache) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{
		value:      value,
		expiration: time.Now().Add(ttl),
	}
	c.stats.Sets++
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

func (c *memoryCache) Close() error {
	if c.janitor != nil {
		c.janitor.stop <- struct{}{}
	}
	return nil
}

// deleteExpired removes all expired entries from the cache.
func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, e := range c.entries {
		if e.isExpired() {
			delete(c.entries, key)
			count++
		}
	}

	c.stats.Evictions += int64(count)
	return count
}

// janitor performs periodic cleanup of expired entries.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}

// noOpCache is a cache that does nothing (useful for disabling caching).
type noOpCache struct{}

// NewNoOp creates a cache that doesn't cache anything.
func NewNoOp() Cache {
	return &noOpCache{}
}

func (c *noOpCache) Get(key string) ([]byte, bool)                 { return nil, false }
func (c *noOpCache) Set(key string, value []byte, _ time.Duration) {}
func (c *noOpCache) Delete(key string)                             {}
func (c *noOpCache) Stats() Stats                                  { return Stats{} }
func (c *noOpCache) Close() error                                  { return nil }
