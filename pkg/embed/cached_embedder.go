package embed

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"
)

// DefaultCacheSize is used when NewCachedEmbedder is given no size.
const DefaultCacheSize = 10000

// cacheKey identifies a text for one model. Texts are hashed rather than
// stored so a cache of whole function bodies stays small.
type cacheKey struct {
	model string
	sum   [blake2b.Size256]byte
}

// CachedEmbedder puts an LRU cache in front of another Embedder. Unchanged
// symbols re-embedded by a forced rebuild, and repeated FIND SIMILAR texts,
// are served without calling the model. Failures are never cached.
type CachedEmbedder struct {
	base    Embedder
	cache   *lru.Cache
	maxSize int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percentage, 0-100
}

// NewCachedEmbedder wraps base with room for maxSize vectors.
func NewCachedEmbedder(base Embedder, maxSize int) *CachedEmbedder {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	cache, _ := lru.New(maxSize)
	return &CachedEmbedder{base: base, cache: cache, maxSize: maxSize}
}

func (c *CachedEmbedder) key(text string) cacheKey {
	return cacheKey{model: c.base.Model(), sum: blake2b.Sum256([]byte(text))}
}

func (c *CachedEmbedder) lookup(k cacheKey) ([]float32, bool) {
	if v, ok := c.cache.Get(k); ok {
		c.hits.Add(1)
		return v.([]float32), true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if vec, ok := c.lookup(k); ok {
		return vec, nil
	}
	vec, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, vec)
	return vec, nil
}

// EmbedBatch answers hits from the cache and sends each distinct missing
// text to the base embedder once, in a single batch.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	pending := make(map[cacheKey][]int)
	var order []cacheKey
	var missing []string

	for i, text := range texts {
		k := c.key(text)
		if idx, seen := pending[k]; seen {
			pending[k] = append(idx, i)
			continue
		}
		if vec, ok := c.lookup(k); ok {
			out[i] = vec
			continue
		}
		pending[k] = []int{i}
		order = append(order, k)
		missing = append(missing, text)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.base.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, k := range order {
		c.cache.Add(k, vecs[j])
		for _, i := range pending[k] {
			out[i] = vecs[j]
		}
	}
	return out, nil
}

func (c *CachedEmbedder) Dimensions() int { return c.base.Dimensions() }

func (c *CachedEmbedder) Model() string { return c.base.Model() }

// Stats returns cache statistics.
func (c *CachedEmbedder) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	st := CacheStats{Size: c.cache.Len(), MaxSize: c.maxSize, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total) * 100
	}
	return st
}

// Clear drops every cached vector.
func (c *CachedEmbedder) Clear() { c.cache.Purge() }
