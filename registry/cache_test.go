package registry

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

func TestMemoryCache_SetGetExpiry(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", map[string]any{"v": 1}, 20*time.Millisecond))

	out, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, out["v"])

	time.Sleep(30 * time.Millisecond)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry is a miss")
}

func TestMemoryCache_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(0)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", map[string]any{"v": "original"}, time.Minute))

	out, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	out["v"] = "tampered"

	again, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "original", again["v"])
}

func TestMemoryCache_SweepEvictsExpired(t *testing.T) {
	t.Parallel()

	c := NewMemoryCache(10 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", map[string]any{"v": 1}, 5*time.Millisecond))
	require.NoError(t, c.Set(ctx, "long", map[string]any{"v": 2}, time.Minute))

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, c.Len(), "sweep removed the expired entry")
}

func TestRedisCache_SetGet(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, "", zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "query:1", map[string]any{"answer": "cached"}, time.Minute))
	assert.True(t, mr.Exists("loom:cache:query:1"), "keys namespaced under the prefix")

	out, ok, err := c.Get(ctx, "query:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cached", out["answer"])
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, "", zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", map[string]any{"v": 1}, 50*time.Millisecond))
	mr.FastForward(100 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "redis TTL expired the entry")
}
