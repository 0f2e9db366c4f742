package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps an EmbeddingProvider with an in-process LRU keyed by
// the SHA-256 of the input text. It limits provider fan-out during ingest,
// where the same content is embedded for dedup and again for indexing.
type CachedEmbedder struct {
	inner EmbeddingProvider
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder creates a cache of the given size over inner.
// Size defaults to 2048 when non-positive.
func NewCachedEmbedder(inner EmbeddingProvider, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 2048
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector when present; otherwise it calls the
// inner provider and caches a successful, non-empty result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) > 0 {
		c.cache.Add(key, vec)
	}
	return vec, nil
}

// GetModel returns the inner provider's model name.
func (c *CachedEmbedder) GetModel() string { return c.inner.GetModel() }

// Len returns the number of cached entries.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var _ EmbeddingProvider = (*CachedEmbedder)(nil)
