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

package redis_cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/dnscache/pkg/cache"
	"github.com/pmkol/dnscache/pkg/utils"
)

var nopLogger = zap.NewNop()

var _ cache.Store = (*RedisCache)(nil)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for each read and write operation.
	// Default is 1s.
	ClientTimeout time.Duration

	// ScanCount is the COUNT hint of each SCAN call.
	// Default is 100.
	ScanCount int64

	// NoScanDedup passes keys that SCAN returns more than once straight
	// through. Without it ScanKeys remembers every key it yielded, which
	// costs memory proportional to the keyspace for a full scan.
	NoScanDedup bool

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	utils.SetDefaultNum(&opts.ScanCount, 100)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisCache struct {
	opts RedisCacheOpts
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

// NewRedisCacheFromURL dials nothing, it only parses url and builds a client.
// The returned RedisCache owns the client.
func NewRedisCacheFromURL(url string, opts RedisCacheOpts) (*RedisCache, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url, %w", err)
	}
	c := redis.NewClient(o)
	opts.Client = c
	opts.ClientCloser = c
	return NewRedisCache(opts)
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	v, err := r.opts.Client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		r.opts.Logger.Warn("redis get", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("redis get %s, %w", key, err)
	}
	return v, true, nil
}

// Set stores kv into redis. ttl is rounded down to seconds, the minimum
// is one second.
func (r *RedisCache) Set(ctx context.Context, key, v string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, key, v, ttl.Truncate(time.Second)).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis set %s, %w", key, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	n, err := r.opts.Client.Del(ctx, key).Result()
	if err != nil {
		r.opts.Logger.Warn("redis del", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("redis del %s, %w", key, err)
	}
	return n > 0, nil
}

// ScanKeys walks the keyspace with SCAN. Redis may return a key more
// than once during a full iteration. Duplicates within one ScanKeys
// call are dropped unless NoScanDedup is set, the set of seen keys grows
// with the keyspace.
func (r *RedisCache) ScanKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var seen map[string]struct{}
		if !r.opts.NoScanDedup {
			seen = make(map[string]struct{})
		}
		var cursor uint64
		for {
			sctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
			keys, next, err := r.opts.Client.Scan(sctx, cursor, "", r.opts.ScanCount).Result()
			cancel()
			if err != nil {
				r.opts.Logger.Warn("redis scan", zap.Uint64("cursor", cursor), zap.Error(err))
				yield("", fmt.Errorf("redis scan, %w", err))
				return
			}
			for _, k := range keys {
				if seen != nil {
					if _, dup := seen[k]; dup {
						continue
					}
					seen[k] = struct{}{}
				}
				if !yield(k, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (r *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	return r.opts.Client.Ping(ctx).Err()
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Error("dbsize", zap.Error(err))
		return 0
	}
	return int(i)
}
