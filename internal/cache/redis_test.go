//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cloo-solutions/lectern/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_EmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	rc := testutil.NewRedisContainer(ctx, t)
	defer rc.Terminate(ctx)

	store, err := NewRedisStore(ctx, RedisConfig{Addr: rc.Addr})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrMiss)

	next := new(MockEmbedder)
	next.On("GenerateEmbedding", mock.Anything, "entropy").Return([]float32{0.25, -1, 3.5}, nil).Once()

	c := NewEmbeddingCache(next, store, "text-embedding-3-small", time.Minute)
	first, err := c.GenerateEmbedding(ctx, "entropy")
	require.NoError(t, err)
	second, err := c.GenerateEmbedding(ctx, "entropy")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	next.AssertNumberOfCalls(t, "GenerateEmbedding", 1)
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}
