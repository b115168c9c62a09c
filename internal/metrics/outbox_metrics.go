package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы публикации outbox-сообщения.
const (
	PublishSent       = "sent"
	PublishRetryError = "retry_error"
	PublishFailed     = "failed"
	PublishDLQ        = "dlq"
	PublishDLQFailed  = "dlq_failed"
)

// OutboxMetrics описывает состояние transactional outbox и публикации.
type OutboxMetrics struct {
	attempts      *prometheus.CounterVec
	pending       prometheus.Gauge
	oldestPending prometheus.Gauge
}

// NewOutboxMetrics создаёт метрики outbox в prometheus.DefaultRegisterer.
func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOutboxMetricsWithRegisterer создаёт метрики outbox в переданном registerer.
func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	return &OutboxMetrics{
		attempts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocation_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"})),
		pending: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allocation_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		})),
		oldestPending: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allocation_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		})),
	}
}

// RecordAttempt увеличивает счётчик попыток публикации с указанным исходом.
func (m *OutboxMetrics) RecordAttempt(result string) {
	m.attempts.WithLabelValues(result).Inc()
}

// SetBacklog обновляет размер backlog и возраст самого старого сообщения.
func (m *OutboxMetrics) SetBacklog(pending int, oldest time.Time, now time.Time) {
	m.pending.Set(float64(pending))
	if pending == 0 || oldest.IsZero() {
		m.oldestPending.Set(0)
		return
	}

	age := now.Sub(oldest).Seconds()
	if age < 0 {
		age = 0
	}
	m.oldestPending.Set(age)
}
