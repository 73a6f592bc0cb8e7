package embedder

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of vectors kept when no size is configured
const DefaultCacheSize = 10000

// Cache provides in-memory LRU caching of vectors by model and content hash
type Cache struct {
	cache *lru.Cache[string, []float32]
}

// NewCache creates a new embedding cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](maxLen)
	if err != nil {
		cache, _ = lru.New[string, []float32](DefaultCacheSize)
	}
	return &Cache{cache: cache}
}

// Get returns a copy of the cached vector so callers cannot mutate the entry
func (c *Cache) Get(key string) ([]float32, bool) {
	vec, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Set stores a copy of vec
func (c *Cache) Set(key string, vec []float32) {
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.cache.Add(key, stored)
}

// Size returns the current cache size
func (c *Cache) Size() int {
	return c.cache.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.cache.Purge()
}

// CachedEmbedder serves repeated texts from a Cache and forwards misses to
// the wrapped Embedder in a single batch
type CachedEmbedder struct {
	Embedder
	cache *Cache
}

// WithCache wraps e with an LRU cache of the given size
func WithCache(e Embedder, size int) *CachedEmbedder {
	return &CachedEmbedder{Embedder: e, cache: NewCache(size)}
}

func (c *CachedEmbedder) key(text string) string {
	return c.Model() + "|" + ComputeHash(text)
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	key := c.key(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec)
	return vec, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	// Texts repeated within the batch are requested once
	missing := make(map[string][]int)
	var order []string
	for i, text := range texts {
		keys[i] = c.key(text)
		if vec, ok := c.cache.Get(keys[i]); ok {
			out[i] = vec
			continue
		}
		if _, seen := missing[text]; !seen {
			order = append(order, text)
		}
		missing[text] = append(missing[text], i)
	}
	if len(order) == 0 {
		return out, nil
	}

	vecs, err := c.Embedder.EmbedBatch(ctx, order)
	if err != nil {
		return nil, err
	}
	if err := checkCount(len(vecs), len(order)); err != nil {
		return nil, err
	}
	for j, text := range order {
		positions := missing[text]
		c.cache.Set(keys[positions[0]], vecs[j])
		for n, i := range positions {
			if n == 0 {
				out[i] = vecs[j]
				continue
			}
			dup := make([]float32, len(vecs[j]))
			copy(dup, vecs[j])
			out[i] = dup
		}
	}
	return out, nil
}

// CacheSize reports the number of cached vectors
func (c *CachedEmbedder) CacheSize() int {
	return c.cache.Size()
}
