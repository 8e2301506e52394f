// SPDX-License-Identifier: MIT

package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemory(0)
	defer c.Close()

	c.Set("k", []byte("v"), time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory(0)
	defer c.Close()

	c.Set("k", []byte("v"), -time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry must not be returned")
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemory(0)
	defer c.Close()

	c.Set("k", []byte("v"), time.Minute)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestNoOpCacheNeverStores(t *testing.T) {
	c := NewNoOp()
	c.Set("k", []byte("v"), time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestBadgerCacheRoundTrip(t *testing.T) {
	c, err := NewBadger(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	c.Set("etag:https://example.com/a.yaml", []byte("body"), time.Hour)
	got, ok := c.Get("etag:https://example.com/a.yaml")
	require.True(t, ok)
	assert.Equal(t, []byte("body"), got)

	c.Delete("etag:https://example.com/a.yaml")
	_, ok = c.Get("etag:https://example.com/a.yaml")
	assert.False(t, ok)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)

	c, err := NewRedis(RedisConfig{Addr: srv.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	c.Set("k", []byte("v"), time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	// TTL is honored by the server.
	srv.FastForward(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestRedisCacheConnectFailure(t *testing.T) {
	_, err := NewRedis(RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	assert.Error(t, err)
}
