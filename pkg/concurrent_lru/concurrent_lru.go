package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/pmkol/dnscache/pkg/lru"
)

// ShardedLRU spreads string keys over a fixed number of locked LRUs.
type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*ConcurrentLRU[string, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

func NewShardedLRU[V any](
	shardNum, maxSizePerShard int,
	onEvict func(key string, v V),
) *ShardedLRU[V] {

	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	cl := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*ConcurrentLRU[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cl.l {
		cl.l[i] = NewConcurrentLRU[string, V](maxSizePerShard, onEvict)
	}
	return cl
}

func (c *ShardedLRU[V]) getShard(key string) *ConcurrentLRU[string, V] {
	return c.l[maphash.String(c.seed, key)&c.mask]
}

func (c *ShardedLRU[V]) Add(key string, v V) {
	c.getShard(key).Add(key, v)
}

func (c *ShardedLRU[V]) Del(key string) bool {
	return c.getShard(key).Del(key)
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	return c.getShard(key).Get(key)
}

// GetAndDelIf returns the value of key. If drop(v) is true the entry is
// removed in the same critical section and ok is false.
func (c *ShardedLRU[V]) GetAndDelIf(key string, drop func(v V) bool) (v V, ok bool) {
	return c.getShard(key).GetAndDelIf(key, drop)
}

// DelIf removes key if f(v) is true and reports whether it did.
func (c *ShardedLRU[V]) DelIf(key string, f func(v V) bool) bool {
	return c.getShard(key).DelIf(key, f)
}

func (c *ShardedLRU[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range c.l {
		removed += shard.Clean(f)
	}
	return
}

// Keys returns a snapshot of the keys of shard i. Shards are locked one
// at a time, so a full walk over all shards is not atomic.
func (c *ShardedLRU[V]) Keys(i int) []string {
	return c.l[i].Keys()
}

func (c *ShardedLRU[V]) ShardNum() int {
	return len(c.l)
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

// ConcurrentLRU is a lru.LRU guarded by a mutex.
type ConcurrentLRU[K comparable, V any] struct {
	sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](
	maxSize int,
	onEvict func(key K, v V),
) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{
		lru: lru.NewLRU[K, V](maxSize, onEvict),
	}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) {
	c.Lock()
	c.lru.Add(key, v)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Del(key K) bool {
	c.Lock()
	defer c.Unlock()
	return c.lru.Del(key)
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.Lock()
	v, ok = c.lru.Get(key)
	c.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) GetAndDelIf(key K, drop func(v V) bool) (v V, ok bool) {
	c.Lock()
	defer c.Unlock()
	v, ok = c.lru.Get(key)
	if ok && drop(v) {
		c.lru.Del(key)
		var zero V
		return zero, false
	}
	return v, ok
}

func (c *ConcurrentLRU[K, V]) DelIf(key K, f func(v V) bool) bool {
	c.Lock()
	defer c.Unlock()
	v, ok := c.lru.Get(key)
	if !ok || !f(v) {
		return false
	}
	return c.lru.Del(key)
}

func (c *ConcurrentLRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	c.Lock()
	removed = c.lru.Clean(f)
	c.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Keys() []K {
	c.Lock()
	defer c.Unlock()
	return c.lru.Keys(make([]K, 0, c.lru.Len()))
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.Lock()
	n := c.lru.Len()
	c.Unlock()
	return n
}
