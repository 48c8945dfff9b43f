package globalmapping

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "globalmap"

// Queue kinds used as metric labels and in log fields.
const (
	kindImage  = "image"
	kindIMU    = "imu"
	kindSubmap = "submap"
)

type metrics struct {
	queueDepth       *prometheus.GaugeVec
	applied          *prometheus.CounterVec
	skipped          *prometheus.CounterVec
	discarded        prometheus.Counter
	optimizations    prometheus.Counter
	optimizeDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Items drained from each ingestion queue in the last poll.",
		}, []string{"kind"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "applied_items_total",
			Help:      "Items applied to the engine.",
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_items_total",
			Help:      "Items that failed to apply and were skipped.",
		}, []string{"kind"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discarded_items_total",
			Help:      "Items left in the queues when the mapper was closed.",
		}),
		optimizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "optimizations_total",
			Help:      "Optimizations run by the background loop.",
		}),
		optimizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "optimize_duration_seconds",
			Help:      "Duration of background optimizations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.queueDepth, m.applied, m.skipped, m.discarded, m.optimizations, m.optimizeDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "cannot register global mapping metrics")
		}
	}
	return m, nil
}
