package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/domain"
)

// minSamples is the number of executions a key needs inside the window
// before its failure rate is evaluated.
const minSamples = 5

// AnomalyDetector watches execution outcomes per language and warns when
// the share of infrastructure failures (timeouts, crashes, image pulls)
// crosses the configured threshold inside a sliding window.
// Failing assertions are normal outcomes and never count.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	cfg       *config.AnomalyConfig
	counter   *prometheus.CounterVec
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordExecution classifies one finished execution under key (usually the
// language). err is the error returned by the engine, if any.
func (a *AnomalyDetector) RecordExecution(key string, res *domain.ExecutionResult, err error) {
	if a == nil {
		return
	}
	if key == "" {
		key = "unknown"
	}
	if err != nil || IsInfrastructureFailure(res) {
		a.RecordFailure(key)
		return
	}
	a.RecordSuccess(key)
}

// IsInfrastructureFailure reports whether res describes a run that never
// produced test outcomes of its own.
func IsInfrastructureFailure(res *domain.ExecutionResult) bool {
	if res == nil {
		return true
	}
	return res.ExitCode < 0 && res.Error != ""
}

// RecordFailure records an infrastructure failure for key.
func (a *AnomalyDetector) RecordFailure(key string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.failures, key).add(a.now(), 1)
	a.checkFailureRate(key)
}

// RecordSuccess records an execution that ran to completion.
func (a *AnomalyDetector) RecordSuccess(key string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successes, key).add(a.now(), 1)
}

// FailureRate returns the current failure rate for key and the number of
// samples it was computed from.
func (a *AnomalyDetector) FailureRate(key string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(key)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(key string) (float64, int) {
	now := a.now()
	failures := a.window(a.failures, key).sum(now)
	total := failures + a.window(a.successes, key).sum(now)
	if total == 0 {
		return 0, 0
	}
	return failures / total, int(total)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) checkFailureRate(key string) {
	threshold := a.cfg.FailureRateThreshold
	if threshold <= 0 {
		return
	}
	rate, total := a.rate(key)
	if total < minSamples || rate <= threshold {
		return
	}
	a.logger.Warn("anomaly detected: high execution failure rate",
		slog.String("key", key),
		slog.Float64("failure_rate", rate),
		slog.Float64("threshold", threshold),
		slog.Int("samples", total),
	)
	if a.counter != nil {
		a.counter.WithLabelValues("failure_rate", key).Inc()
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
