package cache

import (
	"strings"
	"sync"
	"time"
)

// Item is a cached value and the time it was stored.
type Item[V any] struct {
	Value    V
	StoredAt time.Time
}

// TTL is a thread-safe map whose entries go stale after a fixed age.
// Stale entries are kept and still returned by Peek so callers can serve
// last-known data while a refresh is in flight.
type TTL[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[string]Item[V]
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func NewTTL[V any](ttl time.Duration, opts ...Option) *TTL[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[V]{ttl: ttl, now: o.now, items: make(map[string]Item[V])}
}

// Get returns the value if present and younger than the TTL.
func (c *TTL[V]) Get(key string) (V, bool) {
	v, fresh, ok := c.Peek(key)
	if !ok || !fresh {
		var zero V
		return zero, false
	}
	return v, true
}

// Peek returns the value regardless of age, and whether it is still fresh.
func (c *TTL[V]) Peek(key string) (v V, fresh bool, ok bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return v, false, false
	}
	return item.Value, c.now().Sub(item.StoredAt) < c.ttl, true
}

func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = Item[V]{Value: value, StoredAt: c.now()}
	c.mu.Unlock()
}

// Update replaces the value of an existing entry without resetting its age.
func (c *TTL[V]) Update(key string, fn func(V) V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return false
	}
	item.Value = fn(item.Value)
	c.items[key] = item
	return true
}

// DeletePrefix removes every key starting with prefix.
func (c *TTL[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}
