package dnscache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/dnscache/pkg/cache"
	"github.com/pmkol/dnscache/pkg/record"
	"github.com/pmkol/dnscache/pkg/resolver"
	"github.com/pmkol/dnscache/pkg/utils"
)

const DefaultTTL = 300

var nopLogger = zap.NewNop()

type Opts struct {
	// Store and Resolver cannot be nil.
	Store    cache.Store
	Resolver resolver.Resolver

	// DefaultTTL (sec) of resolved records when the caller gives none.
	// Default is 300.
	DefaultTTL int

	// SingleFlight lets concurrent misses of one domain share a
	// single lookup. Without it every miss resolves and writes on its
	// own, and the last write wins.
	SingleFlight bool

	// MetricsReg, optional.
	MetricsReg prometheus.Registerer

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Resolver == nil {
		return errors.New("nil resolver")
	}
	utils.SetDefaultNum(&opts.DefaultTTL, DefaultTTL)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Engine is a cache-aside resolver on top of a cache.Store.
// It holds no record state of its own and takes no locks, the store's
// per-key atomicity is all it relies on.
type Engine struct {
	opts    Opts
	metrics *metrics
	sf      singleflight.Group
}

func NewEngine(opts Opts) (*Engine, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	e := &Engine{
		opts:    opts,
		metrics: newMetrics(),
	}
	if r := opts.MetricsReg; r != nil {
		if err := e.metrics.register(r); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}
	return e, nil
}

func (e *Engine) DefaultTTL() int {
	return e.opts.DefaultTTL
}

func ttlDuration(ttl int) time.Duration {
	return time.Duration(ttl) * time.Second
}

// load fetches and decodes key. A value that can't be decoded is
// reported as absent together with raw presence.
func (e *Engine) load(ctx context.Context, key string) (r *record.Record, present bool, err error) {
	v, ok, err := e.opts.Store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	r, err = record.Decode(v)
	if err != nil {
		e.metrics.decodeErr.Inc()
		e.opts.Logger.Warn("undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, true, nil
	}
	return r, true, nil
}

// save writes r under its own domain. The store expiry always equals r.TTL.
func (e *Engine) save(ctx context.Context, r *record.Record) error {
	v, err := record.Encode(r)
	if err != nil {
		return err
	}
	return e.opts.Store.Set(ctx, r.Domain, v, ttlDuration(r.TTL))
}

// Resolve returns the cached record of domain. On a miss it resolves
// domain, caches a non-manual record with ttlOverride (or the default ttl)
// and returns that. Hits are returned as stored, ttlOverride is ignored.
// Failed lookups are not cached.
func (e *Engine) Resolve(ctx context.Context, domain string, ttlOverride *int) (*record.Record, error) {
	r, _, err := e.load(ctx, domain)
	if err != nil {
		return nil, err
	}
	if r != nil {
		e.metrics.hit.Inc()
		return r, nil
	}
	e.metrics.miss.Inc()

	ttl := e.opts.DefaultTTL
	if ttlOverride != nil {
		ttl = *ttlOverride
	}

	if !e.opts.SingleFlight {
		return e.resolveAndStore(ctx, domain, ttl)
	}

	// Callers with different ttls must not share a lookup.
	key := fmt.Sprintf("%d/%s", ttl, domain)
	ch := e.sf.DoChan(key, func() (interface{}, error) {
		return e.resolveAndStore(context.WithoutCancel(ctx), domain, ttl)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*record.Record).Copy(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) resolveAndStore(ctx context.Context, domain string, ttl int) (*record.Record, error) {
	start := time.Now()
	addr, err := e.opts.Resolver.Resolve(ctx, domain)
	e.metrics.resolveTime.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.resolveErr.Inc()
		e.opts.Logger.Debug("resolve failed", zap.String("domain", domain), zap.Error(err))
		if !errors.Is(err, resolver.ErrResolution) {
			err = &resolver.Error{Domain: domain, Err: err}
		}
		return nil, err
	}

	r := &record.Record{
		Domain:  domain,
		Address: addr,
		TTL:     ttl,
	}
	if err := e.save(ctx, r); err != nil {
		return nil, err
	}
	e.opts.Logger.Debug("resolved", zap.String("domain", domain), zap.String("addr", addr), zap.Int("ttl", ttl))
	return r, nil
}

// GetCachedRecord reads domain without falling back to a lookup.
// ok is false for absent and undecodable entries.
func (e *Engine) GetCachedRecord(ctx context.Context, domain string) (r *record.Record, ok bool, err error) {
	r, _, err = e.load(ctx, domain)
	return r, r != nil, err
}

// Exists reports raw presence of domain in the store, a present value
// that can't be decoded still exists.
func (e *Engine) Exists(ctx context.Context, domain string) (bool, error) {
	_, ok, err := e.opts.Store.Get(ctx, domain)
	return ok, err
}

// GetAllCachedRecords lazily walks every key in the store. Keys that
// vanished or can't be decoded are skipped. A store error is yielded
// once and ends the walk.
func (e *Engine) GetAllCachedRecords(ctx context.Context) iter.Seq2[*record.Record, error] {
	return func(yield func(*record.Record, error) bool) {
		for key, err := range e.opts.Store.ScanKeys(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			r, _, err := e.load(ctx, key)
			if err != nil {
				yield(nil, err)
				return
			}
			if r == nil {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// GetBatch is GetAllCachedRecords over an explicit list of domains.
// Absent domains are omitted.
func (e *Engine) GetBatch(ctx context.Context, domains []string) iter.Seq2[*record.Record, error] {
	return func(yield func(*record.Record, error) bool) {
		for _, d := range domains {
			r, _, err := e.load(ctx, d)
			if err != nil {
				yield(nil, err)
				return
			}
			if r == nil {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// CreateManualEntry upserts r as a manual record. r is not modified.
func (e *Engine) CreateManualEntry(ctx context.Context, r *record.Record) (*record.Record, error) {
	m := r.Copy()
	m.IsManual = true
	if err := e.save(ctx, m); err != nil {
		return nil, err
	}
	e.opts.Logger.Info("manual entry stored", zap.String("domain", m.Domain), zap.String("addr", m.Address), zap.Int("ttl", m.TTL))
	return m, nil
}

// UpdateTTL re-stores the record of domain with ttl as both its ttl field
// and its expiry. It returns false, without writing, if there is no
// decodable record.
func (e *Engine) UpdateTTL(ctx context.Context, domain string, ttl int) (bool, error) {
	r, _, err := e.load(ctx, domain)
	if err != nil || r == nil {
		return false, err
	}
	r.TTL = ttl
	if err := e.save(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteCachedRecord reports whether the store actually removed domain.
func (e *Engine) DeleteCachedRecord(ctx context.Context, domain string) (bool, error) {
	return e.opts.Store.Delete(ctx, domain)
}

// DeleteBatch deletes every domain independently. n is the number of
// keys removed. Failed deletions don't stop the others, they are
// returned together as a *multierror.Error.
func (e *Engine) DeleteBatch(ctx context.Context, domains []string) (n int, err error) {
	var errs *multierror.Error
	for _, d := range domains {
		removed, err := e.opts.Store.Delete(ctx, d)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("delete %s, %w", d, err))
			continue
		}
		if removed {
			n++
		}
	}
	return n, errs.ErrorOrNil()
}

// ClearCache deletes every key found by a scan. Keys written while it
// runs may survive. It returns the number of keys removed.
func (e *Engine) ClearCache(ctx context.Context) (int, error) {
	return e.deleteScanned(ctx, func(string) (bool, error) { return true, nil })
}

// DeleteAllManualEntries deletes every decodable manual record and
// returns how many were removed. Undecodable entries are left alone.
func (e *Engine) DeleteAllManualEntries(ctx context.Context) (int, error) {
	return e.deleteScanned(ctx, func(key string) (bool, error) {
		r, _, err := e.load(ctx, key)
		if err != nil {
			return false, err
		}
		return r != nil && r.IsManual, nil
	})
}

// deleteScanned deletes every scanned key for which match is true.
// Scan and store errors abort it, n still counts keys removed so far.
func (e *Engine) deleteScanned(ctx context.Context, match func(key string) (bool, error)) (n int, err error) {
	for key, err := range e.opts.Store.ScanKeys(ctx) {
		if err != nil {
			return n, err
		}
		ok, err := match(key)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		removed, err := e.opts.Store.Delete(ctx, key)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}
