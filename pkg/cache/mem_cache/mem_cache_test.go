/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mem_cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func Test_memCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, 0)
	defer c.Close()
	for i := 0; i < 128; i++ {
		key := fmt.Sprint(i)
		require.NoError(t, c.Set(ctx, key, key, time.Minute))
		v, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		if !ok || v != key {
			t.Fatal("cache kv mismatched")
		}
	}

	for i := 0; i < 1024*4; i++ {
		_ = c.Set(ctx, fmt.Sprint(i), "", time.Minute)
	}

	if c.Len() > 2048 {
		t.Fatal("cache overflow")
	}
}

func Test_memCache_expire(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := NewMemCache(1024, 0)
	c.now = clk.now
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", "1", 2*time.Second))
	require.NoError(t, c.Set(ctx, "b", "2", 10*time.Second))

	clk.add(3 * time.Second)
	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok)
	v, ok, _ := c.Get(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	require.NoError(t, c.Set(ctx, "c", "3", time.Second))
	clk.add(2 * time.Second)
	removed, err := c.Delete(ctx, "c")
	require.NoError(t, err)
	assert.False(t, removed, "expired entry must not count as removed")
	assert.Equal(t, 1, c.Len())
}

func Test_memCache_delete(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, 0)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	removed, err := c.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = c.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func Test_memCache_scan(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, 0)
	defer c.Close()

	want := make(map[string]bool)
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("k%d", i)
		want[k] = true
		require.NoError(t, c.Set(ctx, k, "v", time.Minute))
	}
	got := make(map[string]bool)
	for k, err := range c.ScanKeys(ctx) {
		require.NoError(t, err)
		got[k] = true
	}
	assert.Equal(t, want, got)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	var scanErr error
	for _, err := range c.ScanKeys(cctx) {
		scanErr = err
	}
	assert.ErrorIs(t, scanErr, context.Canceled)
}

func Test_memCache_cleaner(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, time.Millisecond*10)
	defer c.Close()
	for i := 0; i < 64; i++ {
		_ = c.Set(ctx, fmt.Sprint(i), "", 0) // Expired immediately
	}

	time.Sleep(time.Millisecond * 100)
	if c.Len() != 0 {
		t.Fatal()
	}
}

func Test_memCache_closed(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(16, 0)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Set(ctx, "a", "", time.Second), ErrClosed)
	assert.ErrorIs(t, c.Ping(ctx), ErrClosed)
}

func Test_memCache_race(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024, -1)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 256; i++ {
				key := fmt.Sprint(i)
				_ = c.Set(ctx, key, "", time.Minute)
				_, _, _ = c.Get(ctx, key)
				_, _ = c.Delete(ctx, key)
				for range c.ScanKeys(ctx) {
				}
				c.cleanExpired()
			}
		}()
	}
	wg.Wait()
}
