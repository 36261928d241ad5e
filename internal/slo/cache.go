package slo

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of distinct expressions kept parsed.
const DefaultCacheSize = 512

// ExprCache memoises successful Parse results per expression string.
// Parse errors are never cached.
type ExprCache struct {
	cache  *lru.Cache[string, []Comparison]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// NewExprCache creates a cache holding at most size expressions.
func NewExprCache(size int) (*ExprCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, []Comparison](size)
	if err != nil {
		return nil, err
	}
	return &ExprCache{cache: c}, nil
}

// Parse returns the comparisons for expr, parsing on a miss. The returned
// slice is a copy, so callers may not corrupt cached entries.
func (c *ExprCache) Parse(expr string) ([]Comparison, error) {
	if cmps, ok := c.cache.Get(expr); ok {
		c.hits.Add(1)
		return append([]Comparison(nil), cmps...), nil
	}
	c.misses.Add(1)

	cmps, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	c.cache.Add(expr, cmps)
	return append([]Comparison(nil), cmps...), nil
}

// Stats returns hit/miss counters.
func (c *ExprCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{Hits: hits, Misses: misses, Size: c.cache.Len(), HitRate: rate}
}

// Purge drops every cached expression.
func (c *ExprCache) Purge() {
	c.cache.Purge()
}

var defaultCache = mustCache(DefaultCacheSize)

func mustCache(size int) *ExprCache {
	c, err := NewExprCache(size)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCacheStats reports the counters of the package-level cache used by
// JudgeRoute and Document.Validate.
func DefaultCacheStats() CacheStats {
	return defaultCache.Stats()
}
