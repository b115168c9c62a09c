package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Операции сервиса аллокации для label "operation".
const (
	OperationAddBatch   = "add_batch"
	OperationAllocate   = "allocate"
	OperationDeallocate = "deallocate"
)

// Исходы операций для label "result".
const (
	ResultOK         = "ok"
	ResultInvalid    = "invalid"
	ResultInvalidSKU = "invalid_sku"
	ResultOutOfStock = "out_of_stock"
	ResultNotFound   = "not_found"
	ResultConflict   = "conflict"
	ResultError      = "error"
)

// AllocationMetrics содержит метрики сервиса аллокации.
type AllocationMetrics struct {
	// Счётчик операций по типу и исходу
	operations *prometheus.CounterVec
	// Время выполнения операции (включая commit)
	duration *prometheus.HistogramVec

	allocatedUnits   prometheus.Counter
	deallocatedUnits prometheus.Counter
	eventsRecorded   prometheus.Counter

	// Gauge для операций в процессе выполнения
	inFlight prometheus.Gauge
}

// NewAllocationMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewAllocationMetrics() *AllocationMetrics {
	return NewAllocationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewAllocationMetricsWithRegisterer создаёт метрики в переданном registerer
// (в тестах обычно изолированный prometheus.NewRegistry()).
func NewAllocationMetricsWithRegisterer(registerer prometheus.Registerer) *AllocationMetrics {
	return &AllocationMetrics{
		operations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocation_operations_total",
			Help: "Total number of allocation service operations by result",
		}, []string{"operation", "result"})),
		duration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "allocation_operation_duration_seconds",
			Help:    "Duration of allocation service operations in seconds",
			Buckets: latencyBuckets,
		}, []string{"operation"})),
		allocatedUnits: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocation_allocated_units_total",
			Help: "Total number of units allocated to batches",
		})),
		deallocatedUnits: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocation_deallocated_units_total",
			Help: "Total number of units released from batches",
		})),
		eventsRecorded: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocation_outbox_events_recorded_total",
			Help: "Total number of domain events written to the outbox",
		})),
		inFlight: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allocation_operations_in_flight",
			Help: "Number of allocation service operations currently running",
		})),
	}
}

// OperationStarted увеличивает количество выполняющихся операций.
func (m *AllocationMetrics) OperationStarted() {
	m.inFlight.Inc()
}

// OperationFinished фиксирует исход и длительность операции.
func (m *AllocationMetrics) OperationFinished(operation, result string, duration time.Duration) {
	m.inFlight.Dec()
	m.operations.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAllocatedUnits увеличивает счётчик размещённых единиц.
func (m *AllocationMetrics) RecordAllocatedUnits(qty int) {
	m.allocatedUnits.Add(float64(qty))
}

// RecordDeallocatedUnits увеличивает счётчик снятых единиц.
func (m *AllocationMetrics) RecordDeallocatedUnits(qty int) {
	m.deallocatedUnits.Add(float64(qty))
}

// RecordOutboxEvent увеличивает счётчик событий, записанных в outbox.
func (m *AllocationMetrics) RecordOutboxEvent() {
	m.eventsRecorded.Inc()
}
