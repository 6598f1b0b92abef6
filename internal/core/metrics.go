package core

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type engineMetrics struct {
	operationsTotal    *prometheus.CounterVec
	recordsTotal       *prometheus.CounterVec
	conflictsTotal     *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	activeTransactions prometheus.Gauge
	limiterActive      prometheus.Gauge
	limiterWait        prometheus.Histogram
}

var metricsSingleton = sync.OnceValue(func() *engineMetrics {
	return &engineMetrics{
		operationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgtransfer",
			Name:      "operations_total",
			Help:      "Total number of import, preview and export operations.",
		}, []string{"mode", "result"}),
		recordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgtransfer",
			Name:      "records_total",
			Help:      "Records processed per kind and outcome.",
		}, []string{"kind", "outcome"}),
		conflictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orgtransfer",
			Name:      "conflicts_total",
			Help:      "Detected conflicts per kind and conflict kind.",
		}, []string{"kind", "conflict"}),
		operationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orgtransfer",
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations.",
			Buckets: []float64{
				0.01, 0.05,
				0.1, 0.25, 0.5,
				1, 2.5, 5, 10,
				30, 60, 300,
			},
		}, []string{"mode"}),
		activeTransactions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "orgtransfer",
			Name:      "active_transactions",
			Help:      "Transactions currently held by the coordinator.",
		}),
		limiterActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "orgtransfer",
			Name:      "limiter_active_operations",
			Help:      "Operations currently holding a limiter slot.",
		}),
		limiterWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orgtransfer",
			Name:      "limiter_wait_seconds",
			Help:      "Time operations queued for a limiter slot.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
})

func metrics() *engineMetrics {
	return metricsSingleton()
}

// observe records the outcome of a finished operation.
func (m *engineMetrics) observe(res *OperationResult) {
	result := "success"
	if !res.Success {
		result = "failure"
	}
	m.operationsTotal.WithLabelValues(string(res.Mode), result).Inc()
	m.operationDuration.WithLabelValues(string(res.Mode)).Observe(res.Duration.Seconds())

	if res.Mode == ModePreview {
		return
	}
	for kind, c := range res.Counts {
		k := string(kind)
		m.recordsTotal.WithLabelValues(k, "created").Add(float64(c.Created))
		m.recordsTotal.WithLabelValues(k, "updated").Add(float64(c.Updated))
		m.recordsTotal.WithLabelValues(k, "skipped").Add(float64(c.Skipped))
		m.recordsTotal.WithLabelValues(k, "failed").Add(float64(c.Failed))
	}
	for _, c := range res.Conflicts {
		m.conflictsTotal.WithLabelValues(string(c.EntityKind), string(c.ConflictKind)).Inc()
	}
}
