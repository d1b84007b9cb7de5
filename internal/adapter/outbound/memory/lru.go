package memory

import "errors"

// ErrInvalidCapacity is returned when an LRU is built with a non-positive capacity.
var ErrInvalidCapacity = errors.New("lru capacity must be positive")

// LRU is a fixed-capacity map with least-recently-used eviction.
// Get, Set and Delete are O(1). LRU is not safe for concurrent use;
// callers hold their own lock.
type LRU[K comparable, V any] struct {
	items    map[K]*lruNode[K, V]
	head     *lruNode[K, V] // most recently used
	tail     *lruNode[K, V] // least recently used
	capacity int
}

type lruNode[K comparable, V any] struct {
	key   K
	value V
	prev  *lruNode[K, V]
	next  *lruNode[K, V]
}

// NewLRU creates an LRU holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int) (*LRU[K, V], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &LRU[K, V]{
		items:    make(map[K]*lruNode[K, V], capacity),
		capacity: capacity,
	}, nil
}

// Get returns the value for key and promotes it to most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToHead(n)
	return n.value, true
}

// Peek returns the value for key without changing its recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Set stores value under key and promotes it. When a new key pushes the
// LRU over capacity, the least recently used entry is removed and
// returned so the caller can release anything tied to it.
func (c *LRU[K, V]) Set(key K, value V) (evictedKey K, evicted V, ok bool) {
	if n, exists := c.items[key]; exists {
		n.value = value
		c.moveToHead(n)
		return evictedKey, evicted, false
	}

	if len(c.items) >= c.capacity {
		t := c.tail
		c.unlink(t)
		delete(c.items, t.key)
		evictedKey, evicted, ok = t.key, t.value, true
	}

	n := &lruNode[K, V]{key: key, value: value}
	c.items[key] = n
	c.pushHead(n)
	return evictedKey, evicted, ok
}

// Delete removes key and reports whether it was present.
func (c *LRU[K, V]) Delete(key K) bool {
	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.unlink(n)
	delete(c.items, key)
	return true
}

// Has reports whether key is present without changing its recency.
func (c *LRU[K, V]) Has(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	return len(c.items)
}

// Cap returns the configured capacity.
func (c *LRU[K, V]) Cap() int {
	return c.capacity
}

// Clear removes every entry.
func (c *LRU[K, V]) Clear() {
	c.items = make(map[K]*lruNode[K, V], c.capacity)
	c.head = nil
	c.tail = nil
}

// Keys returns the keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, len(c.items))
	for n := c.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// Values returns the values from most to least recently used.
func (c *LRU[K, V]) Values() []V {
	values := make([]V, 0, len(c.items))
	for n := c.head; n != nil; n = n.next {
		values = append(values, n.value)
	}
	return values
}

func (c *LRU[K, V]) moveToHead(n *lruNode[K, V]) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.pushHead(n)
}

func (c *LRU[K, V]) pushHead(n *lruNode[K, V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *LRU[K, V]) unlink(n *lruNode[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}
