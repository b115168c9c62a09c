package httpapi_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
	"github.com/iKonstantin1991/patterns-book/internal/service/allocation"
	"github.com/iKonstantin1991/patterns-book/internal/storage/memory"
	"github.com/iKonstantin1991/patterns-book/internal/transport/httpapi"
)

func outcomeCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "allocation_idempotency_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelValue(metric, "outcome") == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

func TestIdempotency_ReplaysAllocation(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newTestServer(t,
		httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
		httpapi.WithIdempotencyMetrics(metrics.NewIdempotencyMetricsWithRegisterer(reg)),
	)
	srv.addBatch(t, "batch-1", "LAMP", 10, "")
	line := map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 4}

	first := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// повтор не доходит до сервиса: outbox содержит BatchCreated и один Allocated
	assert.Len(t, srv.store.Outbox().AllPending(), 2)
	assert.Equal(t, float64(1), outcomeCount(t, reg, metrics.IdempotencyNew))
	assert.Equal(t, float64(1), outcomeCount(t, reg, metrics.IdempotencyReplay))
}

func TestIdempotency_HashMismatch(t *testing.T) {
	srv := newTestServer(t, httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour))
	srv.addBatch(t, "batch-1", "LAMP", 10, "")

	w := srv.do(t, http.MethodPost, "/api/v1/allocation",
		map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 1}, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/allocation",
		map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 2}, "Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = srv.do(t, http.MethodPost, "/api/v1/deallocation",
		map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 1}, "Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "key is bound to method and path")
}

func TestIdempotency_ReplaysBusinessRejection(t *testing.T) {
	srv := newTestServer(t, httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour))
	srv.addBatch(t, "batch-1", "LAMP", 1, "")
	line := map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 5}

	first := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusBadRequest, first.Code)

	second := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
}

func TestIdempotency_WithoutHeaderIsNotCached(t *testing.T) {
	srv := newTestServer(t, httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour))
	srv.addBatch(t, "batch-1", "LAMP", 10, "")

	for i := 0; i < 2; i++ {
		w := srv.do(t, http.MethodPost, "/api/v1/allocation",
			map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 1})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	assert.Equal(t, 9, srv.store.Snapshot()[0].AvailableQuantity())
}

// blockingService держит Allocate, пока тест не закроет release.
type blockingService struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	err     error
}

func (s *blockingService) AddBatch(context.Context, allocation.BatchSpec) error { return nil }

func (s *blockingService) Allocate(context.Context, domain.OrderLine) (string, error) {
	s.calls.Add(1)
	if s.entered != nil {
		close(s.entered)
		<-s.release
	}
	if s.err != nil {
		return "", s.err
	}
	return "batch-1", nil
}

func (s *blockingService) Deallocate(context.Context, domain.OrderLine) (string, error) {
	return "", domain.ErrOrderLineNotAllocated
}

func (s *blockingService) GetBatch(context.Context, string) (*domain.Batch, error) {
	return nil, domain.ErrBatchNotFound
}

func newStubServer(t *testing.T, svc httpapi.AllocationService, opts ...httpapi.Option) *testServer {
	t.Helper()
	return &testServer{handler: httpapi.NewAPI(svc, discardLogger(), opts...).Router()}
}

func TestIdempotency_InProgress(t *testing.T) {
	svc := &blockingService{entered: make(chan struct{}), release: make(chan struct{})}
	srv := newStubServer(t, svc, httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour))
	line := map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 1}

	done := make(chan int)
	go func() {
		w := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
		done <- w.Code
	}()

	<-svc.entered
	w := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusConflict, w.Code)

	close(svc.release)
	assert.Equal(t, http.StatusCreated, <-done)
	assert.Equal(t, int32(1), svc.calls.Load())
}

func TestIdempotency_ServerErrorIsReplayed(t *testing.T) {
	svc := &blockingService{err: errors.New("db is down")}
	repo := memory.NewIdempotencyRepository()
	srv := newStubServer(t, svc, httpapi.WithIdempotency(repo, time.Hour))
	line := map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 1}

	first := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, []string{"internal error"}, errorsOf(t, first))

	record, err := repo.Get("key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)
	assert.Equal(t, http.StatusInternalServerError, record.HTTPStatus)

	second := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusInternalServerError, second.Code)
	assert.Equal(t, int32(1), svc.calls.Load())
}

func TestAllocate_VersionConflictIsConflict(t *testing.T) {
	svc := &blockingService{err: domain.ErrBatchVersionConflict}
	srv := newStubServer(t, svc)

	w := srv.do(t, http.MethodPost, "/api/v1/allocation",
		map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 1})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, []string{"batch version conflict"}, errorsOf(t, w))
}

// conflictingService отвечает конфликтом версий на первые conflicts вызовов Allocate.
type conflictingService struct {
	blockingService
	conflicts int32
}

func (s *conflictingService) Allocate(ctx context.Context, line domain.OrderLine) (string, error) {
	if s.calls.Add(1) <= s.conflicts {
		return "", domain.ErrBatchVersionConflict
	}
	return "batch-1", nil
}

func TestIdempotency_VersionConflictReleasesKey(t *testing.T) {
	svc := &conflictingService{conflicts: 1}
	repo := memory.NewIdempotencyRepository()
	srv := newStubServer(t, svc, httpapi.WithIdempotency(repo, time.Hour))
	line := map[string]any{"orderid": "order-1", "sku": "LAMP", "qty": 1}

	first := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusConflict, first.Code)
	assert.Equal(t, []string{"batch version conflict"}, errorsOf(t, first))

	_, err := repo.Get("key-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound, "a version conflict is not stored")

	second := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(2), svc.calls.Load())

	third := srv.do(t, http.MethodPost, "/api/v1/allocation", line, "Idempotency-Key", "key-1")
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(2), svc.calls.Load())
}
