package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks delivery outcomes and queue depth.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	handler    *prometheus.HistogramVec
	pending    prometheus.Gauge
	processing prometheus.Gauge
	failed     prometheus.Gauge
	oldestAge  prometheus.Gauge
}

// NewOutboxMetrics registers the outbox metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Outbox delivery attempts by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		handler: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_handler_duration_seconds",
			Help:    "Duration of outbox handler invocations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_queue_pending",
			Help: "Outbox events waiting for delivery.",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_queue_processing",
			Help: "Outbox events currently leased.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_queue_failed",
			Help: "Outbox events in terminal FAILED status.",
		}),
		oldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest due PENDING event.",
		}),
	}
	reg.MustRegister(m.deliveries, m.handler, m.pending, m.processing, m.failed, m.oldestAge)
	return m
}

// IncDelivery counts one outcome ("sent", "retried", "failed", "lease_lost").
func (m *OutboxMetrics) IncDelivery(eventType, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *OutboxMetrics) ObserveHandler(eventType string, duration time.Duration) {
	if m == nil || m.handler == nil {
		return
	}
	m.handler.WithLabelValues(normalizeLabel(eventType)).Observe(duration.Seconds())
}

// SetQueue publishes the latest queue snapshot.
func (m *OutboxMetrics) SetQueue(pending, processing, failed int64, oldestAge time.Duration) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.processing.Set(float64(processing))
	m.failed.Set(float64(failed))
	m.oldestAge.Set(oldestAge.Seconds())
}
