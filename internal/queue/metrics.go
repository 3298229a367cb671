package queue

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the async queue and its workers.
type Metrics struct {
	EnqueuedTotal  prometheus.Counter
	ReclaimedTotal prometheus.Counter
	ProcessedTotal *prometheus.CounterVec
	InFlight       prometheus.Gauge
	WaitSeconds    prometheus.Histogram
}

// NewMetrics creates and registers queue metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		EnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total executions enqueued.",
		}),
		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "queue",
			Name:      "reclaimed_total",
			Help:      "Total stale entries reclaimed from dead consumers.",
		}),
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total queued executions processed by outcome.",
		}, []string{"outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Queued executions currently being processed.",
		}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time between enqueue and the start of processing.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}

	reg.MustRegister(
		m.EnqueuedTotal,
		m.ReclaimedTotal,
		m.ProcessedTotal,
		m.InFlight,
		m.WaitSeconds,
	)

	return m
}
