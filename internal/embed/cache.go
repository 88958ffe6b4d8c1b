package embed

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies a memoized embed call: the same text under the
// same chunking/pooling config always produces the same vector, so the
// key folds in every field of Config that can change the result.
type cacheKey struct {
	text         string
	maxSeqLen    int
	overlapRatio float64
	pool         Pool
}

// CachedEmbedder wraps an Embedder with a bounded, process-wide LRU
// cache keyed by (text, config), avoiding repeated embedding work for
// queries and documents seen before — the matcher's read path and the
// pipeline's write path both route through the same Embedder instance
// when one is shared, so repeated searches for a popular query or
// reprocessing an unchanged file on a watcher debounce hit the cache
// instead of recomputing.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[cacheKey, Result]
}

// NewCachedEmbedder wraps inner with an LRU cache holding up to size
// entries. A non-positive size defaults to 1024.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[cacheKey, Result](size)
	if err != nil {
		return nil, fmt.Errorf("embed: construct cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: c}, nil
}

// Embed returns the cached result for (text, cfg) if present, otherwise
// delegates to the wrapped Embedder and caches the outcome on success.
func (c *CachedEmbedder) Embed(ctx context.Context, text string, cfg Config) (Result, error) {
	key := cacheKey{text: text, maxSeqLen: cfg.MaxSeqLen, overlapRatio: cfg.OverlapRatio, pool: cfg.PoolStrategy}
	if res, ok := c.cache.Get(key); ok {
		return res, nil
	}
	res, err := c.inner.Embed(ctx, text, cfg)
	if err != nil {
		return Result{}, err
	}
	c.cache.Add(key, res)
	return res, nil
}
