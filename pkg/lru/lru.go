package lru

import (
	"fmt"
)

// LRU is a fixed size least-recently-used map. It is not safe for
// concurrent use, see concurrent_lru.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	root elem[K, V] // sentinel, root.next is the oldest entry
	m    map[K]*elem[K, V]
}

type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	q := &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V]),
	}
	q.root.prev = &q.root
	q.root.next = &q.root
	return q
}

func (q *LRU[K, V]) unlink(e *elem[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

func (q *LRU[K, V]) pushBack(e *elem[K, V]) {
	last := q.root.prev
	e.prev = last
	e.next = &q.root
	last.next = e
	q.root.prev = e
}

func (q *LRU[K, V]) touch(e *elem[K, V]) {
	if q.root.prev == e {
		return
	}
	q.unlink(e)
	q.pushBack(e)
}

// Add inserts or replaces key. If the LRU is full the oldest entry is
// evicted.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.touch(e)
		return
	}

	if len(q.m) >= q.maxSize {
		// Reuse the oldest elem.
		e := q.root.next
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
		delete(q.m, e.key)
		e.key, e.v = key, v
		q.m[key] = e
		q.touch(e)
		return
	}

	e := &elem[K, V]{key: key, v: v}
	q.m[key] = e
	q.pushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.touch(e)
	return e.v, true
}

// Del removes key. It reports whether key was present.
// onEvict is not called.
func (q *LRU[K, V]) Del(key K) bool {
	e, ok := q.m[key]
	if !ok {
		return false
	}
	q.unlink(e)
	delete(q.m, key)
	return true
}

// Clean removes all entries for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for e := q.root.next; e != &q.root; {
		next := e.next
		if f(e.key, e.v) {
			q.unlink(e)
			delete(q.m, e.key)
			if q.onEvict != nil {
				q.onEvict(e.key, e.v)
			}
			removed++
		}
		e = next
	}
	return
}

// Keys appends all keys, oldest first, to dst.
func (q *LRU[K, V]) Keys(dst []K) []K {
	for e := q.root.next; e != &q.root; e = e.next {
		dst = append(dst, e.key)
	}
	return dst
}

func (q *LRU[K, V]) Len() int {
	return len(q.m)
}
