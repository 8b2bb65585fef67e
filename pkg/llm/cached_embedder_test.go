package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryCache struct {
	entries map[string][]float32
	getErr  error
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]float32{}}
}

func (m *memoryCache) Get(ctx context.Context, model, text string) ([]float32, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.entries[model+"|"+text]
	return v, ok, nil
}

func (m *memoryCache) Set(ctx context.Context, model, text string, embedding []float32) error {
	m.sets++
	m.entries[model+"|"+text] = embedding
	return nil
}

func lengthEmbedder() *MockLLMClient {
	m := NewMockLLMClient()
	m.CreateEmbeddingsFunc = func(ctx context.Context, inputs []string) ([][]float32, error) {
		out := make([][]float32, len(inputs))
		for i, in := range inputs {
			out[i] = []float32{float32(len(in))}
		}
		return out, nil
	}
	return m
}

func TestCachedEmbedder_ServesRepeatsFromCache(t *testing.T) {
	inner := lengthEmbedder()
	cache := newMemoryCache()
	e := NewCachedEmbedder(inner, cache, "embed-v1", zap.NewNop())

	first, err := e.CreateEmbedding(context.Background(), "abc")
	require.NoError(t, err)
	second, err := e.CreateEmbedding(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, []float32{3}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.CreateEmbeddingCalls)
	assert.Equal(t, 1, cache.sets)
}

func TestCachedEmbedder_BatchOnlyEmbedsMisses(t *testing.T) {
	inner := lengthEmbedder()
	cache := newMemoryCache()
	cache.entries["embed-v1|bb"] = []float32{42}

	var seen []string
	inner.CreateEmbeddingsFunc = func(ctx context.Context, inputs []string) ([][]float32, error) {
		seen = append(seen, inputs...)
		out := make([][]float32, len(inputs))
		for i, in := range inputs {
			out[i] = []float32{float32(len(in))}
		}
		return out, nil
	}

	e := NewCachedEmbedder(inner, cache, "embed-v1", zap.NewNop())
	got, err := e.CreateEmbeddings(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)

	assert.Equal(t, [][]float32{{1}, {42}, {3}}, got)
	assert.Equal(t, []string{"a", "ccc"}, seen)
}

func TestCachedEmbedder_CacheFailureFallsThrough(t *testing.T) {
	inner := lengthEmbedder()
	cache := newMemoryCache()
	cache.getErr = errors.New("connection refused")

	e := NewCachedEmbedder(inner, cache, "embed-v1", zap.NewNop())
	got, err := e.CreateEmbedding(context.Background(), "abcd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, got)
}

func TestCachedEmbedder_PropagatesEmbedderError(t *testing.T) {
	inner := NewMockLLMClient()
	inner.CreateEmbeddingsFunc = func(ctx context.Context, inputs []string) ([][]float32, error) {
		return nil, NewError(ErrorTypeEndpoint, "unreachable", true, nil)
	}

	e := NewCachedEmbedder(inner, newMemoryCache(), "embed-v1", zap.NewNop())
	_, err := e.CreateEmbeddings(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
