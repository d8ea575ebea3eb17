package store

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for store operations.
type Metrics struct {
	hitsTotal         *prometheus.CounterVec
	missesTotal       *prometheus.CounterVec
	evictionsTotal    *prometheus.CounterVec
	sizeGauge         *prometheus.GaugeVec
	bytesGauge        *prometheus.GaugeVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton store metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers all store metric collectors with the given
// Prometheus registry. promauto registers with the default global
// registry; this bridges the collectors to a custom one.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.hitsTotal,
		m.missesTotal,
		m.evictionsTotal,
		m.sizeGauge,
		m.bytesGauge,
		m.operationDuration,
		m.errorsTotal,
	)
}

// Init pre-initializes common label combinations with zero values so
// that metrics appear in scrape output immediately. Prometheus *Vec
// types only emit lines after WithLabelValues() has been called once.
// Idempotent and safe to call multiple times.
func (m *Metrics) Init() {
	for _, backend := range []string{"memory", "redis"} {
		m.hitsTotal.WithLabelValues(backend)
		m.missesTotal.WithLabelValues(backend)
		m.evictionsTotal.WithLabelValues(backend)
		m.sizeGauge.WithLabelValues(backend)
		m.bytesGauge.WithLabelValues(backend)
		for _, op := range []string{"get", "set", "delete", "clear"} {
			m.operationDuration.WithLabelValues(backend, op)
			m.errorsTotal.WithLabelValues(backend, op)
		}
	}
}

func newMetrics() *Metrics {
	return &Metrics{
		hitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpcache",
				Subsystem: "store",
				Name:      "hits_total",
				Help:      "Total number of store hits",
			},
			[]string{"backend"},
		),
		missesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpcache",
				Subsystem: "store",
				Name:      "misses_total",
				Help:      "Total number of store misses",
			},
			[]string{"backend"},
		),
		evictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpcache",
				Subsystem: "store",
				Name:      "evictions_total",
				Help:      "Total number of store evictions",
			},
			[]string{"backend"},
		),
		sizeGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "httpcache",
				Subsystem: "store",
				Name:      "size",
				Help:      "Current number of entries in the store",
			},
			[]string{"backend"},
		),
		bytesGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "httpcache",
				Subsystem: "store",
				Name:      "bytes",
				Help:      "Current payload bytes held by the store",
			},
			[]string{"backend"},
		),
		operationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "httpcache",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of store operations",
				Buckets: []float64{
					.0001, .0005, .001, .005,
					.01, .025, .05, .1,
				},
			},
			[]string{"backend", "operation"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpcache",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Total number of store errors",
			},
			[]string{"backend", "operation"},
		),
	}
}
