// ABOUTME: Thread-safe TTL cache for suppressing duplicate message sends
// ABOUTME: Keys on (sender, recipient, content digest) with LRU eviction at capacity

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// KeyFor builds the dedupe key for a send: sender, recipient, and a digest
// of the content. Two sends match only when all three agree.
func KeyFor(sender, recipient, content string) string {
	digest := sha256.Sum256([]byte(content))
	return sender + "|" + recipient + "|" + hex.EncodeToString(digest[:8])
}

type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of recently seen
// send keys. A doubly-linked list maintains insertion order for O(1)
// eviction of the oldest entry.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size. A
// background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// CheckAndMark atomically checks whether a key has been seen within the TTL
// and marks it if not. Returns true for a duplicate, false for a new key
// that is now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	now := time.Now()
	if entry != nil {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{timestamp: now, element: elem}
	return false
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
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

func (c *Cache) removeExpired() {
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

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
