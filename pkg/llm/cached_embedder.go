package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EmbeddingCache stores vectors keyed by embedding model and input text.
type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool, error)
	Set(ctx context.Context, model, text string, embedding []float32) error
}

// CachedEmbedder serves repeated inputs from an EmbeddingCache. Cache failures
// are logged and never fail the call; the inner embedder is the source of truth.
type CachedEmbedder struct {
	inner  Embedder
	cache  EmbeddingCache
	model  string
	logger *zap.Logger
}

// NewCachedEmbedder wraps inner. model namespaces the cache so vectors from
// different models never mix.
func NewCachedEmbedder(inner Embedder, cache EmbeddingCache, model string, logger *zap.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		inner:  inner,
		cache:  cache,
		model:  model,
		logger: logger.Named("embedding-cache"),
	}
}

var _ Embedder = (*CachedEmbedder)(nil)

func (c *CachedEmbedder) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	if v, ok := c.lookup(ctx, input); ok {
		return v, nil
	}
	v, err := c.inner.CreateEmbedding(ctx, input)
	if err != nil {
		return nil, err
	}
	c.store(ctx, input, v)
	return v, nil
}

func (c *CachedEmbedder) CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(inputs))
	var (
		missing    []string
		missingIdx []int
	)
	for i, in := range inputs {
		if v, ok := c.lookup(ctx, in); ok {
			out[i] = v
			continue
		}
		missing = append(missing, in)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.CreateEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(fresh), len(missing))
	}
	for j, v := range fresh {
		out[missingIdx[j]] = v
		c.store(ctx, missing[j], v)
	}
	return out, nil
}

func (c *CachedEmbedder) lookup(ctx context.Context, text string) ([]float32, bool) {
	v, ok, err := c.cache.Get(ctx, c.model, text)
	if err != nil {
		c.logger.Warn("Embedding cache read failed", zap.Error(err))
		return nil, false
	}
	return v, ok
}

func (c *CachedEmbedder) store(ctx context.Context, text string, v []float32) {
	if err := c.cache.Set(ctx, c.model, text, v); err != nil {
		c.logger.Warn("Embedding cache write failed", zap.Error(err))
	}
}
