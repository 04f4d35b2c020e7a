package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/impactdev/impactor/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	ops        *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	cacheReads *prometheus.CounterVec
	locks      prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, locks *lockTable) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		ops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impactor_storage_ops_total",
				Help: "Total number of storage operations by result",
			},
			[]string{"op", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impactor_storage_op_duration_seconds",
				Help:    "Duration of storage operations",
				Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10), // 50µs to 13s
			},
			[]string{"op"},
		),
		cacheReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impactor_cache_reads_total",
				Help: "Total number of cache lookups by result",
			},
			[]string{"result"},
		),
		locks: factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "impactor_key_locks",
				Help: "Number of keys with a held or awaited write lock",
			},
			func() float64 { return float64(locks.size()) },
		),
	}
}

func (m *metrics) observe(op string, err error, d time.Duration) {
	m.ops.WithLabelValues(op, result(err)).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *metrics) cacheRead(hit bool) {
	if hit {
		m.cacheReads.WithLabelValues("hit").Inc()
		return
	}
	m.cacheReads.WithLabelValues("miss").Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrSerialization):
		return "invalid"
	case errors.Is(err, core.ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, core.ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, core.ErrMigration):
		return "refused"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
