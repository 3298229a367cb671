package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for test executions.
// All metrics use the runbox_execution_ namespace.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	TestsTotal        *prometheus.CounterVec
	TimeoutsTotal     *prometheus.CounterVec
	ConfigErrorsTotal *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
}

// NewMetrics creates and registers execution metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total executions by language and outcome (success, failure, timeout, crash).",
		}, []string{"language", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "End-to-end execution duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"language"}),

		TestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "tests_total",
			Help:      "Total parsed test cases by framework and status.",
		}, []string{"framework", "status"}),

		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "timeouts_total",
			Help:      "Total executions killed at their deadline.",
		}, []string{"language"}),

		ConfigErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "config_errors_total",
			Help:      "Total requests rejected before a container started, by stage.",
		}, []string{"stage"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "active",
			Help:      "Number of executions currently in flight.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.TestsTotal,
		m.TimeoutsTotal,
		m.ConfigErrorsTotal,
		m.ActiveExecutions,
	)

	return m
}
