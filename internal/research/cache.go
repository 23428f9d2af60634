package research

import (
	"strings"
	"sync"
	"time"
)

// Cache defaults: successful foreground results are reusable for five
// minutes; capacity is bounded with plain insertion-order eviction (the
// oldest inserted key goes first, deliberately not LRU).
const (
	DefaultCacheTTL = 5 * time.Minute
	DefaultCacheCap = 100
)

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// Cache is the process-lifetime query-result cache. Safe for concurrent
// read/insert/evict from simultaneous requests.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[string]cacheEntry
	order   []string // insertion order, oldest first
}

// NewCache creates a cache with the given bounds; zero values use defaults.
func NewCache(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheCap
	}
	return &Cache{
		ttl:     ttl,
		cap:     capacity,
		entries: make(map[string]cacheEntry),
	}
}

// cacheKey normalizes the query so trivially different phrasings share an
// entry, and binds the result to the system prompt it was produced under.
func cacheKey(query, systemPrompt string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return normalized + "\x00" + systemPrompt
}

// Get returns a fresh cached result for (query, systemPrompt).
func (c *Cache) Get(query, systemPrompt string) (Result, bool) {
	key := cacheKey(query, systemPrompt)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if time.Since(e.storedAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return Result{}, false
	}
	return e.result, true
}

// Put stores a result, evicting the oldest inserted key once at capacity.
func (c *Cache) Put(query, systemPrompt string, r Result) {
	key := cacheKey(query, systemPrompt)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.order) >= c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{result: r, storedAt: time.Now()}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
