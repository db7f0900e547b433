package mem_cache

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/pmkol/dnscache/pkg/cache"
	"github.com/pmkol/dnscache/pkg/concurrent_lru"
)

const (
	shardSize              = 64
	DefaultCleanerInterval = time.Minute
)

var ErrClosed = errors.New("mem cache closed")

var _ cache.Store = (*MemCache)(nil)

// MemCache is an in-process cache.Store. When full, the least recently
// used entries are evicted before they expire.
type MemCache struct {
	closed           uint32
	closeCleanerChan chan struct{}
	lru              *concurrent_lru.ShardedLRU[*elem]
	now              func() time.Time
}

type elem struct {
	v      string
	expire int64 // Unix nano
}

func (e *elem) expired(now int64) bool {
	return now >= e.expire
}

// NewMemCache returns a MemCache that holds about size entries.
// A cleanerInterval <= 0 disables the background cleaner, expired
// entries are then removed lazily.
func NewMemCache(size int, cleanerInterval time.Duration) *MemCache {
	sizePerShard := size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		lru:              concurrent_lru.NewShardedLRU[*elem](shardSize, sizePerShard, nil),
		now:              time.Now,
	}

	if cleanerInterval > 0 {
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Get(_ context.Context, key string) (string, bool, error) {
	if c.isClosed() {
		return "", false, ErrClosed
	}
	now := c.now().UnixNano()
	e, ok := c.lru.GetAndDelIf(key, func(e *elem) bool { return e.expired(now) })
	if !ok {
		return "", false, nil
	}
	return e.v, true, nil
}

func (c *MemCache) Set(_ context.Context, key, v string, ttl time.Duration) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.lru.Add(key, &elem{
		v:      v,
		expire: c.now().Add(ttl).UnixNano(),
	})
	return nil
}

// Delete removes key. An entry that already expired counts as absent.
func (c *MemCache) Delete(_ context.Context, key string) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	now := c.now().UnixNano()
	removed := c.lru.DelIf(key, func(e *elem) bool { return !e.expired(now) })
	if !removed {
		// Drop it anyway if it is an expired leftover.
		c.lru.Del(key)
	}
	return removed, nil
}

// ScanKeys snapshots one shard at a time. Keys added to a shard after
// its snapshot was taken are not yielded.
func (c *MemCache) ScanKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i := 0; i < c.lru.ShardNum(); i++ {
			if c.isClosed() {
				yield("", ErrClosed)
				return
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			for _, k := range c.lru.Keys(i) {
				if !yield(k, nil) {
					return
				}
			}
		}
	}
}

func (c *MemCache) Ping(_ context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return nil
}

func (c *MemCache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			c.cleanExpired()
		}
	}
}

func (c *MemCache) cleanExpired() int {
	now := c.now().UnixNano()
	return c.lru.Clean(func(_ string, e *elem) bool {
		return e.expired(now)
	})
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
