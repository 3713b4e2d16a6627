// Package cache provides the MUQL plan cache.
//
// Parsing and planning a statement is pure: the plan depends only on the
// statement text, never on the graph. Plans for repeated statements (a
// dashboard polling the same query, a shell user re-running a line) are
// therefore kept and reused across snapshots.
//
// Features:
// - LRU eviction for bounded memory (hashicorp/golang-lru)
// - Optional TTL expiration
// - Hit/miss statistics
//
// Usage:
//
//	plans := cache.NewPlanCache[*muql.Plan](1000, 0)
//	key := cache.Key(statement)
//	if plan, ok := plans.Get(key); ok {
//		return plan
//	}
//	plan := plan(statement)
//	plans.Put(key, plan)
package cache

import (
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultSize is used when a non-positive size is requested.
const DefaultSize = 1000

// PlanCache is a thread-safe LRU cache of values of type V.
type PlanCache[V any] struct {
	lru     *lru.Cache
	maxSize int
	ttl     time.Duration
	enabled atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewPlanCache creates a cache holding up to maxSize entries, each for at
// most ttl (0 = until evicted).
func NewPlanCache[V any](maxSize int, ttl time.Duration) *PlanCache[V] {
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	l, err := lru.New(maxSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	c := &PlanCache[V]{lru: l, maxSize: maxSize, ttl: ttl}
	c.enabled.Store(true)
	return c
}

// Key normalizes a statement into its cache key. Statements differing only
// in surrounding whitespace, runs of inner whitespace or a trailing ';'
// share a key. String literals are kept verbatim, so two statements that
// mean different things never share one.
func Key(statement string) string {
	return normalize(statement)
}

func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	space := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			if space {
				b.WriteByte(' ')
				space = false
			}
			quote = c
			b.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			space = true
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Get returns the cached value for key, if present and not expired.
func (c *PlanCache[V]) Get(key string) (V, bool) {
	var zero V
	if !c.enabled.Load() {
		c.misses.Add(1)
		return zero, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := v.(*entry[V])
	if c.ttl > 0 && time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores value under key, evicting the least recently used entry when
// full.
func (c *PlanCache[V]) Put(key string, value V) {
	if !c.enabled.Load() {
		return
	}
	e := &entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	c.lru.Add(key, e)
}

// Remove drops key.
func (c *PlanCache[V]) Remove(key string) { c.lru.Remove(key) }

// Clear drops every entry. Statistics are kept.
func (c *PlanCache[V]) Clear() { c.lru.Purge() }

// Len returns the number of cached entries.
func (c *PlanCache[V]) Len() int { return c.lru.Len() }

// SetEnabled turns the cache on or off. Disabling clears it.
func (c *PlanCache[V]) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	if !enabled {
		c.lru.Purge()
	}
}

// Stats returns cache statistics.
func (c *PlanCache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percentage, 0-100
}
