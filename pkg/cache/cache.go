package cache

import (
	"context"
	"io"
	"iter"
	"time"
)

// Store is a TTL-aware key-value store. It is the only authority on
// expiry: a key whose ttl elapsed must no longer be returned.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value of key.
	// ok is false if key does not exist or has expired.
	Get(ctx context.Context, key string) (v string, ok bool, err error)

	// Set stores v under key. The entry expires after ttl.
	Set(ctx context.Context, key, v string, ttl time.Duration) error

	// Delete removes key. removed reports whether the key existed.
	Delete(ctx context.Context, key string) (removed bool, err error)

	// ScanKeys lazily enumerates all keys currently held.
	// Iteration stops after the first non-nil error is yielded.
	ScanKeys(ctx context.Context) iter.Seq2[string, error]

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	io.Closer
}
