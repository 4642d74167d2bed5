package embed

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 1000

// EmbeddingCache is a bounded LRU of embedding vectors keyed by the SHA256
// of their text, with optional TTL expiry.
type EmbeddingCache struct {
	entries *lru.Cache[string, cachedEmbedding]
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

type cachedEmbedding struct {
	vector    []float32
	createdAt time.Time
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Hits       int64
	Misses     int64
	Entries    int
	MaxSize    int
	HitRate    float64
	Evictions  int64
	ExpiredTTL int64
}

// NewEmbeddingCache creates a new EmbeddingCache.
// ttl is the time-to-live for cache entries; zero means no expiration.
func NewEmbeddingCache(maxSize int, ttl time.Duration) *EmbeddingCache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, cachedEmbedding](maxSize)
	return &EmbeddingCache{
		entries: entries,
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key generates a cache key for the given text using SHA256.
func (c *EmbeddingCache) Key(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// Get returns a copy of the cached embedding for text.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	key := c.Key(text)
	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(entry.createdAt) > c.ttl {
		c.entries.Remove(key)
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	result := make([]float32, len(entry.vector))
	copy(result, entry.vector)
	return result, true
}

// Set stores a copy of vector, evicting the least recently used entry when
// the cache is full.
func (c *EmbeddingCache) Set(text string, vector []float32) {
	vectorCopy := make([]float32, len(vector))
	copy(vectorCopy, vector)

	if evicted := c.entries.Add(c.Key(text), cachedEmbedding{vector: vectorCopy, createdAt: c.now()}); evicted {
		c.evictions.Add(1)
	}
}

// Size returns the current number of entries in the cache.
func (c *EmbeddingCache) Size() int {
	return c.entries.Len()
}

// Clear removes all entries from the cache.
func (c *EmbeddingCache) Clear() {
	c.entries.Purge()
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *EmbeddingCache) Cleanup() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && now.Sub(entry.createdAt) > c.ttl {
			c.entries.Remove(key)
			removed++
		}
	}
	c.expired.Add(int64(removed))
	return removed
}

// Stats returns a snapshot of the cache counters.
func (c *EmbeddingCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:       hits,
		Misses:     misses,
		Entries:    c.entries.Len(),
		MaxSize:    c.maxSize,
		HitRate:    rate,
		Evictions:  c.evictions.Load(),
		ExpiredTTL: c.expired.Load(),
	}
}
