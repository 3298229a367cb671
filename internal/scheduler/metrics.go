package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the janitor.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RemovedTotal *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "janitor",
			Name:      "runs_total",
			Help:      "Total janitor task runs by task and outcome.",
		}, []string{"task", "outcome"}),
		RemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "janitor",
			Name:      "removed_total",
			Help:      "Total items removed by janitor tasks.",
		}, []string{"task"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "janitor",
			Name:      "task_duration_seconds",
			Help:      "Duration of each janitor task run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"task"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RemovedTotal,
		m.TaskDuration,
	)

	return m
}
