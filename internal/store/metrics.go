package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics aggregates write-pipeline outcomes.
type metrics struct {
	writes        *prometheus.CounterVec
	writeDuration *prometheus.HistogramVec
	syncFailures  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		writes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corestore",
			Name:      "writes_total",
			Help:      "Completed write operations by store, action, and result.",
		}, []string{"store", "action", "result"}),
		writeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corestore",
			Name:      "write_duration_seconds",
			Help:      "Write pipeline latency up to persistence, excluding the detached post phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"store", "action"}),
		syncFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corestore",
			Name:      "sync_failures_total",
			Help:      "Post-commit propagation failures by store and phase.",
		}, []string{"store", "phase"}),
	}
}

func (m *metrics) observeWrite(store, action string, err error, started time.Time) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.writes.WithLabelValues(store, action, result).Inc()
	m.writeDuration.WithLabelValues(store, action).Observe(time.Since(started).Seconds())
}

func (m *metrics) observeSyncFailure(store, phase string) {
	m.syncFailures.WithLabelValues(store, phase).Inc()
}
