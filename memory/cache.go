package memory

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder decorates an Embedder with an in-process cache keyed by the
// exact input text. Consolidation re-embeds the same text repeatedly
// (duplicate detection, merges, reinforced facts), so a small cache saves
// most of the embedding work.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache holding up to maxEntries
// embeddings.
func NewCachedEmbedder(inner Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text, or embeds and caches it.
// Cached vectors are shared; callers must treat them as read-only.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return v.([]float32), nil
	}
	emb, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, emb, 1)
	return emb, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *CachedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Close releases the cache.
func (e *CachedEmbedder) Close() {
	e.cache.Close()
}
