package metrics

import "github.com/prometheus/client_golang/prometheus"

// RetentionMetrics описывает фоновое удаление устаревших записей по целям
// (idempotency-ключи, обработанный outbox).
type RetentionMetrics struct {
	runs        *prometheus.CounterVec
	deleted     *prometheus.CounterVec
	lastDeleted *prometheus.GaugeVec
}

// NewRetentionMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewRetentionMetrics() *RetentionMetrics {
	return NewRetentionMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewRetentionMetricsWithRegisterer создаёт метрики в переданном registerer.
func NewRetentionMetricsWithRegisterer(registerer prometheus.Registerer) *RetentionMetrics {
	return &RetentionMetrics{
		runs: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocation_retention_runs_total",
			Help: "Total number of retention sweeps grouped by target and result.",
		}, []string{"target", "result"})),
		deleted: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocation_retention_deleted_total",
			Help: "Total number of records removed by retention sweeps.",
		}, []string{"target"})),
		lastDeleted: register(registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "allocation_retention_last_deleted",
			Help: "Number of records removed by the last successful sweep.",
		}, []string{"target"})),
	}
}

// RecordSweep фиксирует результат прохода по цели.
func (m *RetentionMetrics) RecordSweep(target, result string, deleted int) {
	m.runs.WithLabelValues(target, result).Inc()
	if result == ResultOK {
		m.lastDeleted.WithLabelValues(target).Set(float64(deleted))
	}
}

// RecordDeleted увеличивает счётчик удалённых записей цели.
func (m *RetentionMetrics) RecordDeleted(target string, deleted int) {
	m.deleted.WithLabelValues(target).Add(float64(deleted))
}
