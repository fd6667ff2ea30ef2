package ingest

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

type geoCacheEntry struct {
	ip        string
	country   string
	expiresAt time.Time
}

// GeoCache is a thread-safe LRU cache of IP to country code lookups with TTL
// expiration. Redirect traffic is bursty per client, so most lookups repeat.
type GeoCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	// front is most recently used
	lru   *list.List
	items map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64
}

// GeoCacheConfig holds configuration for the GeoCache.
type GeoCacheConfig struct {
	// Capacity is the maximum number of entries. Default: 10000
	Capacity int
	// TTL is how long entries remain valid. Default: 1 hour
	TTL time.Duration
}

// DefaultGeoCacheConfig returns the default cache configuration.
func DefaultGeoCacheConfig() GeoCacheConfig {
	return GeoCacheConfig{
		Capacity: 10000,
		TTL:      time.Hour,
	}
}

// NewGeoCache creates a new cache with the given configuration.
func NewGeoCache(cfg GeoCacheConfig) *GeoCache {
	def := DefaultGeoCacheConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &GeoCache{
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		now:      time.Now,
		lru:      list.New(),
		items:    make(map[string]*list.Element, cfg.Capacity),
	}
}

// Get returns the cached country for ip and whether a live entry was found.
func (c *GeoCache) Get(ip string) (string, bool) {
	if ip == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[ip]
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	entry := elem.Value.(*geoCacheEntry)
	if c.now().After(entry.expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, ip)
		c.misses.Add(1)
		return "", false
	}
	c.lru.MoveToFront(elem)
	c.hits.Add(1)
	return entry.country, true
}

// Set stores the country for ip. Empty IPs are ignored; an empty country is
// cached so repeated misses in the GeoIP database are not looked up again.
func (c *GeoCache) Set(ip, country string) {
	if ip == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.items[ip]; ok {
		entry := elem.Value.(*geoCacheEntry)
		entry.country = country
		entry.expiresAt = expires
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		delete(c.items, oldest.Value.(*geoCacheEntry).ip)
		c.lru.Remove(oldest)
		c.evicts.Add(1)
	}

	c.items[ip] = c.lru.PushFront(&geoCacheEntry{ip: ip, country: country, expiresAt: expires})
}

// GeoCacheStats contains cache statistics.
type GeoCacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
	Evicts   uint64
	HitRate  float64
}

// Stats returns current cache statistics.
func (c *GeoCache) Stats() GeoCacheStats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return GeoCacheStats{
		Size:     size,
		Capacity: c.capacity,
		Hits:     hits,
		Misses:   misses,
		Evicts:   c.evicts.Load(),
		HitRate:  hitRate,
	}
}
