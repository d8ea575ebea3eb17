package httpcache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for cache engine decisions.
type Metrics struct {
	decisionsTotal     *prometheus.CounterVec
	revalidationsTotal *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton engine metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers all engine metric collectors with the given
// Prometheus registry. promauto registers with the default global
// registry; this bridges the collectors to a custom one.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.decisionsTotal,
		m.revalidationsTotal,
		m.errorsTotal,
	)
}

// Init pre-initializes common label combinations with zero values so
// that metrics appear in scrape output immediately. Idempotent and
// safe to call multiple times.
func (m *Metrics) Init() {
	for _, decision := range []string{
		"hit", "miss", "bypass", "stale", "stale_if_error",
	} {
		m.decisionsTotal.WithLabelValues(decision)
	}
	for _, outcome := range []string{"not_modified", "replaced", "failed"} {
		m.revalidationsTotal.WithLabelValues(outcome)
	}
	for _, class := range []string{"store", "upstream", "subscriber"} {
		m.errorsTotal.WithLabelValues(class)
	}
}

func newMetrics() *Metrics {
	return &Metrics{
		decisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpcache",
				Subsystem: "engine",
				Name:      "decisions_total",
				Help:      "Total number of cache lookup decisions",
			},
			[]string{"decision"},
		),
		revalidationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpcache",
				Subsystem: "engine",
				Name:      "revalidations_total",
				Help:      "Total number of upstream revalidations",
			},
			[]string{"outcome"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "httpcache",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Total number of cache engine errors",
			},
			[]string{"class"},
		),
	}
}
