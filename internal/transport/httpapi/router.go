// Package httpapi публикует сервис аллокации по HTTP под префиксом /api/v1.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
	"github.com/iKonstantin1991/patterns-book/internal/service/allocation"
)

// AllocationService — операции, которые обслуживает HTTP API.
type AllocationService interface {
	AddBatch(ctx context.Context, spec allocation.BatchSpec) error
	Allocate(ctx context.Context, line domain.OrderLine) (string, error)
	Deallocate(ctx context.Context, line domain.OrderLine) (string, error)
	GetBatch(ctx context.Context, reference string) (*domain.Batch, error)
}

// API связывает HTTP-маршруты с сервисом аллокации.
type API struct {
	service AllocationService
	logger  *log.Entry

	idemRepo    domain.IdempotencyRepository
	idemMetrics *metrics.IdempotencyMetrics
	idemTTL     time.Duration
	now         func() time.Time
}

// Option настраивает API.
type Option func(*API)

// WithIdempotency включает обработку заголовка Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(a *API) {
		a.idemRepo = repo
		if ttl > 0 {
			a.idemTTL = ttl
		}
	}
}

// WithIdempotencyMetrics задаёт метрики idempotency-ключей.
func WithIdempotencyMetrics(m *metrics.IdempotencyMetrics) Option {
	return func(a *API) {
		a.idemMetrics = m
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAPI создаёт HTTP API поверх сервиса аллокации.
func NewAPI(service AllocationService, logger *log.Entry, opts ...Option) *API {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	a := &API{
		service: service,
		logger:  logger,
		idemTTL: defaultIdempotencyTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router возвращает корневой http.Handler со всеми маршрутами API.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrors(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErrors(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s := r.PathPrefix("/api/v1").Subrouter()
	s.HandleFunc("/batches", a.addBatch).Methods(http.MethodPost)
	s.HandleFunc("/batches/{reference}", a.getBatch).Methods(http.MethodGet)
	s.Handle("/allocation", a.withIdempotency(http.HandlerFunc(a.allocate))).Methods(http.MethodPost)
	s.Handle("/deallocation", a.withIdempotency(http.HandlerFunc(a.deallocate))).Methods(http.MethodPost)

	return a.logMiddleware(r)
}
