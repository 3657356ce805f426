package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingCacheLRU(t *testing.T) {
	c := NewEmbeddingCache(2, time.Hour)
	c.Put("m", "a", []float32{1})
	c.Put("m", "b", []float32{2})

	// touch a so that b is the oldest
	_, ok := c.Get("m", "a")
	require.True(t, ok)
	c.Put("m", "c", []float32{3})

	_, ok = c.Get("m", "b")
	assert.False(t, ok)
	v, ok := c.Get("m", "a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, v)
	assert.Equal(t, 2, c.Size())
}

func TestEmbeddingCacheKeyIncludesModel(t *testing.T) {
	c := NewEmbeddingCache(10, time.Hour)
	c.Put("clip", "beach", []float32{1})
	_, ok := c.Get("siglip", "beach")
	assert.False(t, ok)
}

func TestEmbeddingCacheTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewEmbeddingCache(10, time.Minute)
	c.now = func() time.Time { return now }

	c.Put("m", "a", []float32{1})
	now = now.Add(2 * time.Minute)
	_, ok := c.Get("m", "a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestEmbeddingCacheInvalidate(t *testing.T) {
	c := NewEmbeddingCache(10, time.Hour)
	c.Put("m", "a", []float32{1})
	c.Invalidate()
	_, ok := c.Get("m", "a")
	assert.False(t, ok)
}

type countingProvider struct {
	calls int
	fail  bool
}

func (p *countingProvider) EmbedText(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("down")
	}
	return []float32{float32(len(text))}, nil
}

func (p *countingProvider) EmbedImage(ctx context.Context, path string) ([]float32, error) {
	p.calls++
	return []float32{0}, nil
}

func (p *countingProvider) Dimension() int    { return 1 }
func (p *countingProvider) ModelName() string { return "counting" }

func TestCachedTextEmbedder(t *testing.T) {
	inner := &countingProvider{}
	e := NewCachedTextEmbedder(inner, NewEmbeddingCache(10, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := e.EmbedText(ctx, "sunset")
		require.NoError(t, err)
		assert.Equal(t, []float32{6}, v)
	}
	assert.Equal(t, 1, inner.calls)

	_, err := e.EmbedImage(ctx, "a.jpg")
	require.NoError(t, err)
	_, err = e.EmbedImage(ctx, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedTextEmbedderDoesNotCacheErrors(t *testing.T) {
	inner := &countingProvider{fail: true}
	e := NewCachedTextEmbedder(inner, NewEmbeddingCache(10, time.Hour))

	_, err := e.EmbedText(context.Background(), "x")
	require.Error(t, err)
	inner.fail = false
	_, err = e.EmbedText(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
