package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestAllocationMetrics_RecordOperations(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewAllocationMetricsWithRegisterer(registry)

	metrics.OperationStarted()
	metrics.OperationStarted()
	if got := gaugeValue(t, metrics.inFlight); got != 2 {
		t.Fatalf("expected 2 in-flight operations, got %v", got)
	}

	metrics.OperationFinished(OperationAllocate, ResultOK, 20*time.Millisecond)
	metrics.OperationFinished(OperationAllocate, ResultOutOfStock, 5*time.Millisecond)
	metrics.RecordAllocatedUnits(7)
	metrics.RecordDeallocatedUnits(2)
	metrics.RecordOutboxEvent()

	if got := gaugeValue(t, metrics.inFlight); got != 0 {
		t.Fatalf("expected 0 in-flight operations, got %v", got)
	}
	if got := counterValue(t, metrics.operations.WithLabelValues(OperationAllocate, ResultOK)); got != 1 {
		t.Fatalf("expected 1 successful allocation, got %v", got)
	}
	if got := counterValue(t, metrics.operations.WithLabelValues(OperationAllocate, ResultOutOfStock)); got != 1 {
		t.Fatalf("expected 1 out-of-stock allocation, got %v", got)
	}
	if got := counterValue(t, metrics.allocatedUnits); got != 7 {
		t.Fatalf("expected 7 allocated units, got %v", got)
	}
	if got := counterValue(t, metrics.deallocatedUnits); got != 2 {
		t.Fatalf("expected 2 deallocated units, got %v", got)
	}
	if got := counterValue(t, metrics.eventsRecorded); got != 1 {
		t.Fatalf("expected 1 outbox event, got %v", got)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var samples uint64
	for _, family := range families {
		if family.GetName() != "allocation_operation_duration_seconds" {
			continue
		}
		for _, m := range family.GetMetric() {
			samples += m.GetHistogram().GetSampleCount()
		}
	}
	if samples != 2 {
		t.Fatalf("expected 2 duration samples, got %d", samples)
	}
}

func TestAllocationMetrics_ReuseAlreadyRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()

	first := NewAllocationMetricsWithRegisterer(registry)
	second := NewAllocationMetricsWithRegisterer(registry)

	first.RecordAllocatedUnits(3)
	second.RecordAllocatedUnits(4)

	if got := counterValue(t, first.allocatedUnits); got != 7 {
		t.Fatalf("expected shared counter value 7, got %v", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestOutboxMetrics_Backlog(t *testing.T) {
	metrics := NewOutboxMetricsWithRegisterer(prometheus.NewRegistry())
	now := time.Now()

	metrics.SetBacklog(3, now.Add(-10*time.Second), now)
	if got := gaugeValue(t, metrics.pending); got != 3 {
		t.Fatalf("expected 3 pending, got %v", got)
	}
	if got := gaugeValue(t, metrics.oldestPending); got != 10 {
		t.Fatalf("expected oldest age 10s, got %v", got)
	}

	metrics.SetBacklog(1, now.Add(time.Second), now)
	if got := gaugeValue(t, metrics.oldestPending); got != 0 {
		t.Fatalf("expected clock skew to clamp age to 0, got %v", got)
	}

	metrics.SetBacklog(0, time.Time{}, now)
	if got := gaugeValue(t, metrics.oldestPending); got != 0 {
		t.Fatalf("expected empty backlog age 0, got %v", got)
	}

	metrics.RecordAttempt(PublishSent)
	metrics.RecordAttempt(PublishSent)
	if got := counterValue(t, metrics.attempts.WithLabelValues(PublishSent)); got != 2 {
		t.Fatalf("expected 2 sent attempts, got %v", got)
	}
}

func TestRetentionMetrics_PerTarget(t *testing.T) {
	metrics := NewRetentionMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordDeleted("outbox", 3)
	metrics.RecordDeleted("outbox", 2)
	metrics.RecordSweep("outbox", ResultOK, 5)
	metrics.RecordSweep("idempotency", ResultError, 0)

	if got := counterValue(t, metrics.deleted.WithLabelValues("outbox")); got != 5 {
		t.Fatalf("expected 5 deleted outbox records, got %v", got)
	}
	if got := gaugeValue(t, metrics.lastDeleted.WithLabelValues("outbox")); got != 5 {
		t.Fatalf("expected last deleted 5, got %v", got)
	}
	if got := counterValue(t, metrics.runs.WithLabelValues("idempotency", ResultError)); got != 1 {
		t.Fatalf("expected 1 failed idempotency sweep, got %v", got)
	}
	if got := gaugeValue(t, metrics.lastDeleted.WithLabelValues("idempotency")); got != 0 {
		t.Fatalf("failed sweep must not touch last deleted, got %v", got)
	}
}

func TestRegister_PanicsOnConflictingDescriptor(t *testing.T) {
	registry := prometheus.NewRegistry()
	register(registry, prometheus.NewCounter(prometheus.CounterOpts{Name: "allocation_conflict_total", Help: "first"}))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a conflicting descriptor")
		}
	}()
	register(registry, prometheus.NewCounter(prometheus.CounterOpts{Name: "allocation_conflict_total", Help: "second"}))
}

func TestNewGRPCServerMetrics_Reused(t *testing.T) {
	registry := prometheus.NewRegistry()

	first := NewGRPCServerMetrics(registry)
	second := NewGRPCServerMetrics(nil)
	again := NewGRPCServerMetrics(registry)

	if first != again {
		t.Fatal("expected the registered server metrics to be reused")
	}
	if second == nil {
		t.Fatal("nil registerer must fall back to the default one")
	}
}
