package apiclient

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// CacheKey digests the parts identifying a request (URL, params, caller scope).
func CacheKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key      string
	value    *Response
	storedAt time.Time
}

// responseCache is a TTL cache that evicts the oldest insertion once full.
// Reads do not refresh an entry's position.
type responseCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time
	order    *list.List
	items    map[string]*list.Element
}

func newResponseCache(ttl time.Duration, capacity int, now func() time.Time) *responseCache {
	if capacity < 1 {
		capacity = 1
	}
	return &responseCache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns a copy of the live entry for key.
func (c *responseCache) Get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	return entry.value.clone(), true
}

func (c *responseCache) Set(key string, value *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.storedAt = c.now()
		c.order.MoveToBack(el)
		return
	}
	c.items[key] = c.order.PushBack(&cacheEntry{key: key, value: value, storedAt: c.now()})

	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *responseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
