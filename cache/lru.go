package cache

import (
	"container/list"
	"expvar"
	"sync"
)

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-size least-recently-used cache.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	items     map[K]*list.Element
	onEvicted func(key K, value V)

	hits   *expvar.Int
	misses *expvar.Int
}

// NewLRU creates a cache holding at most capacity items. onEvicted, if not
// nil, is called with the cache lock held whenever an item leaves the cache.
func NewLRU[K comparable, V any](capacity int, onEvicted func(key K, value V)) *LRU[K, V] {
	return &LRU[K, V]{
		capacity:  capacity,
		order:     list.New(),
		items:     make(map[K]*list.Element),
		onEvicted: onEvicted,
	}
}

func (c *LRU[K, V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.order.MoveToFront(elem)
		return elem.Value.(*lruEntry[K, V]).value, true
	}
	if c.misses != nil && c.capacity > 0 {
		c.misses.Add(1)
	}
	var zero V
	return zero, false
}

// Put adds or replaces a value, evicting the least recently used item when
// the cache is full. A replaced value is passed to onEvicted.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		if c.onEvicted != nil {
			c.onEvicted(key, value)
		}
		return
	}
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		e := elem.Value.(*lruEntry[K, V])
		old := e.value
		e.value = value
		if c.onEvicted != nil {
			c.onEvicted(key, old)
		}
		return
	}
	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
}

// Remove drops key without calling onEvicted and returns its value.
func (c *LRU[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.Remove(elem)
	delete(c.items, key)
	return elem.Value.(*lruEntry[K, V]).value, true
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Must be called with c.mu held.
func (c *LRU[K, V]) evictOldest() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*lruEntry[K, V])
	delete(c.items, e.key)
	if c.onEvicted != nil {
		c.onEvicted(e.key, e.value)
	}
}

// Clear evicts every item.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onEvicted != nil {
		for _, elem := range c.items {
			e := elem.Value.(*lruEntry[K, V])
			c.onEvicted(e.key, e.value)
		}
	}
	c.order.Init()
	clear(c.items)
}

// GetHitRate returns hits/(hits+misses), or 0 when no metrics are attached.
func (c *LRU[K, V]) GetHitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hits == nil || c.misses == nil {
		return 0
	}
	h, m := c.hits.Value(), c.misses.Value()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
