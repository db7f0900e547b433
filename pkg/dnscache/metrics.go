package dnscache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hit         prometheus.Counter
	miss        prometheus.Counter
	decodeErr   prometheus.Counter
	resolveErr  prometheus.Counter
	resolveTime prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		hit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "The total number of resolve requests served from the store",
		}),
		miss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_miss_total",
			Help: "The total number of resolve requests that needed a lookup",
		}),
		decodeErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_decode_error_total",
			Help: "The total number of stored values that could not be decoded",
		}),
		resolveErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolve_error_total",
			Help: "The total number of failed lookups",
		}),
		resolveTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolve_duration_seconds",
			Help:    "The duration of lookups",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range [...]prometheus.Collector{m.hit, m.miss, m.decodeErr, m.resolveErr, m.resolveTime} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
