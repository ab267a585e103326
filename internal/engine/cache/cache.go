// Package cache holds the response cache and request de-duplicator shared by
// all tasks of one engine.
package cache

import (
	"container/list"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// lowWaterRatio is where batch eviction stops, relative to MaxSize.
const lowWaterRatio = 0.9

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	MaxSize int64 // resident bytes, keys included
	Logger  *slog.Logger
	Now     func() time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
}

// HitRate is hits over lookups, 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry struct {
	key      string
	value    []byte
	inserted time.Time
	size     int64
}

// Cache is an LRU of byte values with a per-entry TTL and a byte budget.
type Cache struct {
	ttl     time.Duration
	maxSize int64
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[string]*list.Element
	size  int64
	stats Stats
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		logger:  opts.Logger,
		now:     opts.Now,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.inserted) >= c.ttl
}

// Get returns the value for key and marks it most recently used. An expired
// entry is removed and reported absent.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expired(e, c.now()) {
		c.removeLocked(el)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Has reports whether a live entry exists without touching its LRU position.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*entry), c.now()) {
		c.removeLocked(el)
		c.stats.Expired++
		return false
	}
	return true
}

// Set stores value under key, resetting its age. If the cache grows past
// MaxSize, expired entries go first, then least recently used entries until
// resident size is back under the low-water mark.
func (c *Cache) Set(key string, value []byte) {
	size := int64(len(key) + len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxSize {
		if el, ok := c.items[key]; ok {
			c.removeLocked(el)
		}
		c.logger.Warn("cache entry larger than cache, not stored",
			"key", key, "size", humanize.IBytes(uint64(size)), "max", humanize.IBytes(uint64(c.maxSize)))
		return
	}

	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		c.size += size - e.size
		e.value = value
		e.size = size
		e.inserted = now
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&entry{key: key, value: value, inserted: now, size: size})
		c.items[key] = el
		c.size += size
	}

	if c.size > c.maxSize {
		c.evictLocked(now)
	}
}

func (c *Cache) evictLocked(now time.Time) {
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry), now) {
			c.removeLocked(el)
			c.stats.Expired++
		}
		el = prev
	}

	low := int64(float64(c.maxSize) * lowWaterRatio)
	evicted := 0
	for c.size > low && c.ll.Len() > 1 {
		c.removeLocked(c.ll.Back())
		evicted++
	}
	if evicted > 0 {
		c.stats.Evictions += int64(evicted)
		c.logger.Debug("cache evicted entries", "count", evicted, "resident", humanize.IBytes(uint64(c.size)))
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.ll.Remove(el).(*entry)
	delete(c.items, e.key)
	c.size -= e.size
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
}

// Len is the number of resident entries, expired ones included until touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Size is the resident byte count.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.ll.Len()
	s.Bytes = c.size
	return s
}

// SetJSON stores v encoded as JSON. Encoding failures are logged and the key
// is left absent.
func (c *Cache) SetJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		c.Delete(key)
		return
	}
	c.Set(key, data)
}

// GetJSON decodes the value for key into dst. A corrupt entry is logged,
// removed and reported as a miss.
func (c *Cache) GetJSON(key string, dst any) bool {
	data, ok := c.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("cache decode failed", "key", key, "error", err)
		c.Delete(key)
		return false
	}
	return true
}
