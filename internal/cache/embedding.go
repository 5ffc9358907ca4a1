// Package cache memoizes embeddings in Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloo-solutions/lectern/internal/logger"
)

const keyPrefix = "embedding:"

// DefaultTimeout bounds a shared upstream call when no timeout is set.
const DefaultTimeout = time.Minute

// ErrMiss is returned by a Store when the key does not exist.
var ErrMiss = errors.New("cache miss")

// Store is the key/value backend of the cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Embedder produces an embedding for text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache wraps an Embedder. Identical texts embedded concurrently
// share one upstream call. Cache failures are logged and never fail a call.
type EmbeddingCache struct {
	next    Embedder
	store   Store
	model   string
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewEmbeddingCache keys entries by model so switching models never serves
// stale vectors.
func NewEmbeddingCache(next Embedder, store Store, model string, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{
		next:    next,
		store:   store,
		model:   model,
		ttl:     ttl,
		timeout: DefaultTimeout,
		logger:  logger.WithComponent("embedding-cache"),
	}
}

// SetTimeout bounds the upstream call shared by concurrent callers.
func (c *EmbeddingCache) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *EmbeddingCache) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := c.buildKey(text)
	if vec, ok := c.get(ctx, key); ok {
		return vec, nil
	}

	// The shared call outlives any one caller, so a cancelled caller does
	// not fail the others waiting on the same key.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		vec, err := c.next.GenerateEmbedding(sctx, text)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(sctx, key, encode(vec), c.ttl); err != nil {
			c.logger.Warn("cache set failed", "key", key, "error", err)
		}
		return vec, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *EmbeddingCache) get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	vec, err := decode(data)
	if err != nil {
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return vec, true
}

// Stats returns hit and miss counts since start.
func (c *EmbeddingCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *EmbeddingCache) buildKey(text string) string {
	hash := sha256.Sum256([]byte(c.model + "\x00" + text))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}

func encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decode(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding payload of %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}
