// ABOUTME: Thread-safe TTL cache of recently seen frame keys.
// ABOUTME: Suppresses duplicate result frames on the gateway and duplicate commands on agents.

package dedupe

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxSize bounds the number of keys a cache holds
const DefaultMaxSize = 10000

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited set of seen keys.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// FrameKey builds the key for a correlated frame: who sent it, what kind, which command.
func FrameKey(agentID int64, kind string, commandID int64) string {
	return fmt.Sprintf("%d:%s:%d", agentID, kind, commandID)
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Mark records that a key has been seen. If the cache is at capacity,
// the oldest entry is evicted to make room.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes a key so it may be processed again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
