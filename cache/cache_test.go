package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNoopCache_AlwaysMisses(t *testing.T) {
	c := NoopCache{}
	_, ok := c.Get(context.Background(), "hello")
	assert.False(t, ok)

	c.Set(context.Background(), "hello", Entry{ResponseContent: "world"})
	_, ok = c.Get(context.Background(), "hello")
	assert.False(t, ok)
}

func TestNew_EmptyURLReturnsNoop(t *testing.T) {
	c, err := New("", time.Minute, zap.NewNop())
	require.NoError(t, err)
	_, ok := c.(NoopCache)
	assert.True(t, ok)
}

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCache(client, time.Minute, zap.NewNop()), mr
}

func TestRedisCache_SetThenGet(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "what is go")
	assert.False(t, ok)

	c.Set(ctx, "what is go", Entry{ResponseContent: "a programming language"})

	entry, ok := c.Get(ctx, "what is go")
	require.True(t, ok)
	assert.Equal(t, "a programming language", entry.ResponseContent)
}

func TestRedisCache_DistinctMessagesDoNotCollide(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "message one", Entry{ResponseContent: "response one"})
	c.Set(ctx, "message two", Entry{ResponseContent: "response two"})

	e1, ok := c.Get(ctx, "message one")
	require.True(t, ok)
	assert.Equal(t, "response one", e1.ResponseContent)

	e2, ok := c.Get(ctx, "message two")
	require.True(t, ok)
	assert.Equal(t, "response two", e2.ResponseContent)
}

func TestRedisCache_BackendDownDegradesToMiss(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", Entry{ResponseContent: "v"})
	mr.Close()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "cache errors must degrade to a miss, not propagate")
}

func TestFingerprintKey_IsDeterministicAndDistinct(t *testing.T) {
	assert.Equal(t, FingerprintKey("hello"), FingerprintKey("hello"))
	assert.NotEqual(t, FingerprintKey("hello"), FingerprintKey("world"))
}
