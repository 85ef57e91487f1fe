// Package cache provides a bounded LRU cache for repeated lookups.
//
// The tree store uses it to remember path resolutions (start node + path
// string -> node id). Entries are invalidated wholesale with Clear whenever
// the tree structure changes, so a hit is always current.
//
// Features:
// - LRU eviction for bounded memory
// - Thread-safe operations
// - Hit/miss statistics
//
// Usage:
//
//	paths := cache.New[string, uuid.UUID](1024)
//
//	key := start.String() + "\x00" + "Scenes/Cube"
//	if id, ok := paths.Get(key); ok {
//		return id
//	}
//	id := resolve(start, "Scenes/Cube")
//	paths.Put(key, id)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRU is a thread-safe least-recently-used cache.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
type LRU[K comparable, V any] struct {
	mu sync.Mutex

	maxSize int

	// LRU list and map
	list  *list.List
	items map[K]*list.Element

	// Statistics
	hits   uint64
	misses uint64
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a cache holding at most maxSize entries. A non-positive
// maxSize uses 1024.
func New[K comparable, V any](maxSize int) *LRU[K, V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[K]*list.Element, maxSize),
	}
}

// Get returns a cached value if present.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		var zero V
		return zero, false
	}
	c.list.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return elem.Value.(*entry[K, V]).value, true
}

// Put adds or replaces an entry, evicting the least recently used entry
// when full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.items[key] = c.list.PushFront(&entry[K, V]{key: key, value: value})
}

// Remove removes an entry.
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries. Statistics are kept.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[K]*list.Element, c.maxSize)
}

// Stats returns cache statistics.
func (c *LRU[K, V]) Stats() Stats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.Lock()
	size := c.list.Len()
	c.mu.Unlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Size:    size,
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// evictOldest removes the least recently used entry.
// Caller must hold the lock.
func (c *LRU[K, V]) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from the cache.
// Caller must hold the lock.
func (c *LRU[K, V]) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}
