package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics описывает работу с idempotency-ключами.
type IdempotencyMetrics struct {
	requests *prometheus.CounterVec
}

// Исходы обработки запроса с Idempotency-Key.
const (
	IdempotencyNew          = "new"
	IdempotencyReplay       = "replay"
	IdempotencyInProgress   = "in_progress"
	IdempotencyHashMismatch = "hash_mismatch"
	IdempotencyError        = "error"
)

// NewIdempotencyMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewIdempotencyMetrics() *IdempotencyMetrics {
	return NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewIdempotencyMetricsWithRegisterer создаёт метрики в переданном registerer.
func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	return &IdempotencyMetrics{
		requests: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocation_idempotency_requests_total",
			Help: "Total number of requests carrying an Idempotency-Key grouped by outcome.",
		}, []string{"outcome"})),
	}
}

// RecordRequest фиксирует исход обработки idempotent-запроса.
func (m *IdempotencyMetrics) RecordRequest(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}
