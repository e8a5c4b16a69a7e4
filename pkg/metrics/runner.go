package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tick outcomes recorded by RunnerMetrics.IncTick.
const (
	TickAcquired    = "acquired"
	TickNotAcquired = "not_acquired"
	TickLockError   = "lock_error"
)

// RunnerMetrics records tick and per-runner execution metadata.
type RunnerMetrics struct {
	duration  *prometheus.HistogramVec
	processed *prometheus.CounterVec
	errors    *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	ticks     *prometheus.CounterVec
}

// NewRunnerMetrics registers the runner metrics on the provided registerer.
func NewRunnerMetrics(reg prometheus.Registerer) *RunnerMetrics {
	if reg == nil {
		return &RunnerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runner_duration_seconds",
		Help:    "Duration of runner executions in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"runner"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_items_processed_total",
		Help: "Items processed by runners.",
	}, []string{"runner"})
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_errors_total",
		Help: "Errors reported by runners.",
	}, []string{"runner"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_skipped_total",
		Help: "Runners skipped because the tick budget ran out or the name is unknown.",
	}, []string{"runner"})
	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Scheduler ticks by lock outcome.",
	}, []string{"outcome"})
	reg.MustRegister(duration, processed, errs, skipped, ticks)
	return &RunnerMetrics{
		duration:  duration,
		processed: processed,
		errors:    errs,
		skipped:   skipped,
		ticks:     ticks,
	}
}

// ObserveRun records one runner execution.
func (m *RunnerMetrics) ObserveRun(runner string, duration time.Duration, processed, errorCount int) {
	if m == nil || m.duration == nil {
		return
	}
	label := normalizeLabel(runner)
	m.duration.WithLabelValues(label).Observe(duration.Seconds())
	if processed > 0 {
		m.processed.WithLabelValues(label).Add(float64(processed))
	}
	if errorCount > 0 {
		m.errors.WithLabelValues(label).Add(float64(errorCount))
	}
}

func (m *RunnerMetrics) IncSkipped(runner string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.WithLabelValues(normalizeLabel(runner)).Inc()
}

func (m *RunnerMetrics) IncTick(outcome string) {
	if m == nil || m.ticks == nil {
		return
	}
	m.ticks.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
