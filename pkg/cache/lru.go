// Package cache provides an in-memory LRU cache with TTL, used for identity
// lookups and for read-mostly catalog responses.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

type item[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// LRUCache is a thread-safe cache bounded by entry count. Every hit moves
// the entry to the front; a full cache drops the least recently used
// entry. Entries older than the TTL are dropped when read.
type LRUCache[V any] struct {
	mu      sync.Mutex
	order   *list.List // front is most recently used
	index   map[string]*list.Element
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewLRUCache creates a cache of at most maxSize entries living ttl each.
// maxSize below 1 becomes 1 and a non-positive ttl becomes one minute.
func NewLRUCache[V any](maxSize int, ttl time.Duration) *LRUCache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LRUCache[V]{
		order:   list.New(),
		index:   make(map[string]*list.Element, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the live value stored under key.
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.index[key]
	if !ok {
		return zero, false
	}
	it := el.Value.(*item[V])
	if !c.now().Before(it.expiresAt) {
		c.remove(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return it.value, true
}

// Set stores value under key with a fresh TTL.
func (c *LRUCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.index[key]; ok {
		it := el.Value.(*item[V])
		it.value, it.expiresAt = value, expiresAt
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.maxSize {
		c.remove(c.order.Back())
	}
	c.index[key] = c.order.PushFront(&item[V]{key: key, value: value, expiresAt: expiresAt})
}

// Invalidate drops key.
func (c *LRUCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
}

// InvalidatePrefix drops every key starting with prefix.
func (c *LRUCache[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.index {
		if strings.HasPrefix(key, prefix) {
			c.remove(el)
		}
	}
}

// InvalidateAll empties the cache.
func (c *LRUCache[V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.index)
}

// Size counts stored entries, expired ones included until they are read.
func (c *LRUCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache[V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*item[V]).key)
}
