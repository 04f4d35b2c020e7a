package pool

import (
	"context"
	"errors"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus collectors of one pool. With a nil
// registerer the collectors are created but not registered.
type metrics struct {
	handles         *prometheus.GaugeVec
	waiting         prometheus.Gauge
	acquires        *prometheus.CounterVec
	acquireDuration prometheus.Observer
	unhealthy       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"pool": name}
	return &metrics{
		handles: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "impactor_pool_handles",
				Help:        "Number of pool handles by state",
				ConstLabels: labels,
			},
			[]string{"state"},
		),
		waiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "impactor_pool_waiting",
				Help:        "Number of callers waiting for a handle",
				ConstLabels: labels,
			},
		),
		acquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "impactor_pool_acquire_total",
				Help:        "Total number of handle acquisitions by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		acquireDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "impactor_pool_acquire_duration_seconds",
				Help:        "Time spent acquiring a handle",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to 2.6s
			},
		),
		unhealthy: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "impactor_pool_unavailable_total",
				Help:        "Total number of acquisitions that exhausted health retries",
				ConstLabels: labels,
			},
		),
	}
}

func (m *metrics) observe(s Stats) {
	m.handles.WithLabelValues("idle").Set(float64(s.Idle))
	m.handles.WithLabelValues("in_use").Set(float64(s.InUse))
	m.waiting.Set(float64(s.Waiting))
}

func (m *metrics) observeAcquire(err error, d time.Duration) {
	m.acquires.WithLabelValues(acquireResult(err)).Inc()
	m.acquireDuration.Observe(d.Seconds())
}

func acquireResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, core.ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, core.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
