package cache

import (
	"sync"
	"time"
)

// ResultCache maps a task fingerprint to a previously computed result.
type ResultCache interface {
	// Get returns the stored value for a fingerprint. An entry past its
	// expiry is treated as a miss and evicted.
	Get(fingerprint string) (interface{}, bool)

	// Put stores a value under a fingerprint. A zero expiry means the entry
	// never expires. Last write wins on a shared fingerprint.
	Put(fingerprint string, value interface{}, expiry time.Time)

	// Delete removes an entry.
	Delete(fingerprint string)

	// Clear removes all entries.
	Clear()
}

type entry struct {
	value  interface{}
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

// MemoryCache is a process-wide, concurrency-safe in-memory ResultCache.
// Expired entries are evicted lazily on lookup; a background sweeper also
// removes them periodically so never-read entries do not accumulate.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	stop    chan struct{}
	once    sync.Once
}

const sweepInterval = time.Minute

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *MemoryCache) Get(fingerprint string) (interface{}, bool) {
	if fingerprint == "" {
		return nil, false
	}

	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if e.expired(time.Now()) {
		c.mu.Lock()
		// Re-check under the write lock; a fresh Put may have superseded it.
		if cur, ok := c.entries[fingerprint]; ok && cur.expired(time.Now()) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Put(fingerprint string, value interface{}, expiry time.Time) {
	if fingerprint == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = entry{value: value, expiry: expiry}
}

func (c *MemoryCache) Delete(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Stop terminates the background sweeper.
func (c *MemoryCache) Stop() {
	c.once.Do(func() {
		close(c.stop)
	})
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for fp, e := range c.entries {
				if e.expired(now) {
					delete(c.entries, fp)
				}
			}
			c.mu.Unlock()
		}
	}
}
