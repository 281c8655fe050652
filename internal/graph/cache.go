package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// QueryCache memoizes read query results with a TTL. History and stats
// queries hit the same aggregates repeatedly while a watch screen is
// open; caching keeps that off the database.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
}

type cacheEntry struct {
	records   []Record
	expiresAt time.Time
}

// NewQueryCache creates a cache with given max entries and TTL.
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		entries: make(map[string]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func cacheKey(query string, params map[string]any) string {
	data, _ := json.Marshal(map[string]any{"q": query, "p": params})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}

// Get retrieves a cached result if present and unexpired.
func (c *QueryCache) Get(query string, params map[string]any) ([]Record, bool) {
	key := cacheKey(query, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.records, true
}

// Set stores a result in the cache.
func (c *QueryCache) Set(query string, params map[string]any, records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Crude eviction: drop half the entries when full.
	if len(c.entries) >= c.maxSize {
		dropped := 0
		for k := range c.entries {
			delete(c.entries, k)
			if dropped++; dropped >= c.maxSize/2 {
				break
			}
		}
	}

	c.entries[cacheKey(query, params)] = cacheEntry{
		records:   records,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Clear removes all cached entries.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// Stats returns cache statistics.
func (c *QueryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return CacheStats{
		Size:     len(c.entries),
		Capacity: c.maxSize,
		Hits:     c.hits,
		Misses:   c.misses,
		HitRate:  hitRate,
	}
}

// CachedDriver wraps a Driver with read query caching. Writes clear
// the cache wholesale; history writes are rare enough that precision
// is not worth the bookkeeping.
type CachedDriver struct {
	Driver
	cache *QueryCache
}

// NewCachedDriver wraps a driver with caching.
func NewCachedDriver(d Driver, cache *QueryCache) *CachedDriver {
	return &CachedDriver{Driver: d, cache: cache}
}

func (d *CachedDriver) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	if records, ok := d.cache.Get(query, params); ok {
		return records, nil
	}

	records, err := d.Driver.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}

	d.cache.Set(query, params, records)
	return records, nil
}

func (d *CachedDriver) ExecuteWrite(ctx context.Context, query string, params map[string]any) error {
	d.cache.Clear()
	return d.Driver.ExecuteWrite(ctx, query, params)
}

// Cache returns the underlying cache for stats.
func (d *CachedDriver) Cache() *QueryCache {
	return d.cache
}
