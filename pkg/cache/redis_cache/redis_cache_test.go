package redis_cache

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheFromURL("redis://"+mr.Addr(), RedisCacheOpts{ScanCount: 3})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisCache_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	_, ok, err := c.Get(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "example.com", "v", 30*time.Second))
	v, ok, err := c.Get(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, 30*time.Second, mr.TTL("example.com"))

	removed, err := c.Delete(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Delete(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisCache_Expire(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.Set(ctx, "a", "v", 2*time.Second))
	mr.FastForward(3 * time.Second)
	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_ScanKeys(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	var want []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("d%02d.example", i)
		want = append(want, k)
		require.NoError(t, c.Set(ctx, k, "v", time.Minute))
	}

	var got []string
	for k, err := range c.ScanKeys(ctx) {
		require.NoError(t, err)
		got = append(got, k)
	}
	sort.Strings(got)
	assert.Equal(t, want, got)
	assert.Equal(t, 20, c.Len())

	// early break
	n := 0
	for range c.ScanKeys(ctx) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestRedisCache_StoreDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)
	mr.Close()

	_, _, err := c.Get(ctx, "a")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "a", "v", time.Second))
	_, err = c.Delete(ctx, "a")
	assert.Error(t, err)
	assert.Error(t, c.Ping(ctx))

	var scanErr error
	for _, err := range c.ScanKeys(ctx) {
		scanErr = err
	}
	assert.Error(t, scanErr)
}

func TestRedisCacheOpts_Init(t *testing.T) {
	_, err := NewRedisCache(RedisCacheOpts{})
	assert.Error(t, err)

	c, err := NewRedisCache(RedisCacheOpts{Client: redis.NewClient(&redis.Options{})})
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.opts.ClientTimeout)
	assert.EqualValues(t, 100, c.opts.ScanCount)
}

// dupScanner returns pages of keys from SCAN, with repeats across pages.
type dupScanner struct {
	redis.Cmdable
	pages [][]string
}

func (s *dupScanner) Scan(ctx context.Context, cursor uint64, _ string, _ int64) *redis.ScanCmd {
	next := cursor + 1
	if int(next) >= len(s.pages) {
		next = 0
	}
	return redis.NewScanCmdResult(s.pages[cursor], next, nil)
}

func TestRedisCache_ScanKeysDuplicates(t *testing.T) {
	pages := [][]string{{"a", "b"}, {"b", "c"}, {"a"}}

	collect := func(noDedup bool) []string {
		c, err := NewRedisCache(RedisCacheOpts{Client: &dupScanner{pages: pages}, NoScanDedup: noDedup})
		require.NoError(t, err)
		var got []string
		for k, err := range c.ScanKeys(context.Background()) {
			require.NoError(t, err)
			got = append(got, k)
		}
		return got
	}

	assert.Equal(t, []string{"a", "b", "c"}, collect(false))
	assert.Equal(t, []string{"a", "b", "b", "c", "a"}, collect(true))
}
