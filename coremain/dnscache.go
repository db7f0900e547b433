package coremain

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/dnscache/mlog"
	"github.com/pmkol/dnscache/pkg/cache"
	"github.com/pmkol/dnscache/pkg/cache/mem_cache"
	"github.com/pmkol/dnscache/pkg/cache/redis_cache"
	"github.com/pmkol/dnscache/pkg/dnscache"
	"github.com/pmkol/dnscache/pkg/resolver"
	"github.com/pmkol/dnscache/pkg/safe_close"
	"github.com/pmkol/dnscache/pkg/server/http_handler"
	"github.com/pmkol/dnscache/pkg/service"
	"github.com/pmkol/dnscache/pkg/utils"
)

type DNSCache struct {
	cfg    *Config
	logger *zap.Logger

	store   cache.Store
	engine  *dnscache.Engine
	service *service.Service

	httpMux    *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewDNSCache builds every component from cfg. Nothing is listening yet.
func NewDNSCache(cfg *Config) (*DNSCache, error) {
	if err := cfg.Init(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	d := &DNSCache{
		cfg:        cfg,
		logger:     lg,
		httpMux:    http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}

	d.store, err = newStore(&cfg.Store, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init store, %w", err)
	}
	if s, ok := d.store.(interface{ Len() int }); ok {
		d.GetMetricsReg().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "store_size",
			Help: "The number of entries held by the store",
		}, func() float64 { return float64(s.Len()) }))
	}

	res, err := newResolver(&cfg.Resolver, lg)
	if err != nil {
		d.store.Close()
		return nil, fmt.Errorf("failed to init resolver, %w", err)
	}

	d.engine, err = dnscache.NewEngine(dnscache.Opts{
		Store:        d.store,
		Resolver:     res,
		DefaultTTL:   cfg.Cache.DefaultTTL,
		SingleFlight: cfg.Cache.SingleFlight,
		MetricsReg:   d.GetMetricsReg(),
		Logger:       lg.Named("engine"),
	})
	if err != nil {
		d.store.Close()
		return nil, fmt.Errorf("failed to init cache engine, %w", err)
	}
	d.service = service.New(d.engine, lg.Named("service"))

	api, err := http_handler.NewHandler(http_handler.HandlerOpts{
		Service:    d.service,
		PathPrefix: cfg.API.PathPrefix,
		Ping:       d.store.Ping,
		Timeout:    utils.Milliseconds(cfg.API.TimeoutMs),
		Logger:     lg.Named("api"),
	})
	if err != nil {
		d.store.Close()
		return nil, fmt.Errorf("failed to init api handler, %w", err)
	}

	d.httpMux.Handle("/metrics", promhttp.HandlerFor(d.metricsReg, promhttp.HandlerOpts{}))
	d.httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	d.httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	d.httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	d.httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	d.httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	d.httpMux.Handle("/", api)
	return d, nil
}

func newStore(c *StoreConfig, lg *zap.Logger) (cache.Store, error) {
	switch c.Type {
	case storeRedis:
		return redis_cache.NewRedisCacheFromURL(c.Redis.URL, redis_cache.RedisCacheOpts{
			ClientTimeout: utils.Milliseconds(c.Redis.TimeoutMs),
			ScanCount:     c.Redis.ScanCount,
			NoScanDedup:   c.Redis.NoScanDedup,
			Logger:        lg.Named("redis"),
		})
	case storeMemory:
		return mem_cache.NewMemCache(c.Memory.Size, time.Duration(c.Memory.CleanerInterval)*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown store type %s", c.Type)
	}
}

func newResolver(c *ResolverConfig, lg *zap.Logger) (resolver.Resolver, error) {
	switch c.Type {
	case resolverSystem:
		return resolver.NewSystem(resolver.SystemOpts{
			Timeout:    utils.Milliseconds(c.TimeoutMs),
			PreferIPv6: c.PreferIPv6,
			Logger:     lg.Named("resolver"),
		}), nil
	case resolverUpstream:
		return resolver.NewUpstream(resolver.UpstreamOpts{
			Addrs:      c.Upstream.Addrs,
			Net:        c.Upstream.Net,
			Timeout:    utils.Milliseconds(c.TimeoutMs),
			PreferIPv6: c.PreferIPv6,
			Logger:     lg.Named("resolver"),
		})
	default:
		return nil, fmt.Errorf("unknown resolver type %s", c.Type)
	}
}

// Run starts the api server and blocks until d is closed.
func (d *DNSCache) Run() error {
	httpAddr := d.cfg.API.HTTP
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           d.httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			d.logger.Info("starting api http server", zap.String("addr", httpAddr))
			errChan <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errChan:
			d.sc.SendCloseSignal(err)
		case <-closeSignal:
			httpServer.Close()
		}
	})

	<-d.sc.ReceiveCloseSignal()
	d.sc.Done()
	d.sc.CloseWait()
	d.closeStore()

	err := d.sc.Err()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *DNSCache) closeStore() {
	if err := d.store.Close(); err != nil {
		d.logger.Warn("failed to close store", zap.Error(err))
	}
}

// CloseWait stops a running d and waits until Run returned.
func (d *DNSCache) CloseWait() {
	d.sc.CloseWait()
}

func (d *DNSCache) GetEngine() *dnscache.Engine {
	return d.engine
}

func (d *DNSCache) GetService() *service.Service {
	return d.service
}

func (d *DNSCache) GetStore() cache.Store {
	return d.store
}

func (d *DNSCache) GetSafeClose() *safe_close.SafeClose {
	return d.sc
}

func (d *DNSCache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("dnscache_", d.metricsReg)
}

func (d *DNSCache) GetHTTPMux() *http.ServeMux {
	return d.httpMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
