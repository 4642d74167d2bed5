package embed

import (
	"context"
	"fmt"
	"time"
)

// CachedProvider wraps a Provider with an EmbeddingCache. Repeated symptom
// descriptions skip the embedding backend entirely.
type CachedProvider struct {
	inner Provider
	cache *EmbeddingCache
}

var _ Provider = (*CachedProvider)(nil)

// WithCache wraps p with a cache of cacheSize entries and the given TTL;
// a zero ttl never expires entries.
func WithCache(p Provider, cacheSize int, ttl time.Duration) *CachedProvider {
	return NewCachedProvider(p, NewEmbeddingCache(cacheSize, ttl))
}

// NewCachedProvider creates a CachedProvider with an existing cache instance.
func NewCachedProvider(p Provider, cache *EmbeddingCache) *CachedProvider {
	return &CachedProvider{
		inner: p,
		cache: cache,
	}
}

// Embed returns the cached vector for text or asks the inner provider.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, found := c.cache.Get(text); found {
		return cached, nil
	}

	embedding, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, embedding)
	return embedding, nil
}

// EmbedBatch sends only uncached texts to the inner provider, each distinct
// text once, and fills results in input order.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	pending := make(map[string][]int)
	var uncached []string

	for i, text := range texts {
		if cached, found := c.cache.Get(text); found {
			results[i] = cached
			continue
		}
		if _, seen := pending[text]; !seen {
			uncached = append(uncached, text)
		}
		pending[text] = append(pending[text], i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, uncached)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(uncached) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(fresh), len(uncached))
	}

	for i, text := range uncached {
		c.cache.Set(text, fresh[i])
		for n, idx := range pending[text] {
			if n == 0 {
				results[idx] = fresh[i]
				continue
			}
			dup := make([]float32, len(fresh[i]))
			copy(dup, fresh[i])
			results[idx] = dup
		}
	}
	return results, nil
}

// Model returns the name of the embedding model being used.
func (c *CachedProvider) Model() string {
	return c.inner.Model()
}

// Dimensions returns the dimensionality of the embedding vectors.
func (c *CachedProvider) Dimensions() int {
	return c.inner.Dimensions()
}

// Ping checks if the provider is available and the model is loaded.
func (c *CachedProvider) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Cache returns the underlying cache.
func (c *CachedProvider) Cache() *EmbeddingCache {
	return c.cache
}

// Stats returns the cache counters.
func (c *CachedProvider) Stats() CacheStats {
	return c.cache.Stats()
}
