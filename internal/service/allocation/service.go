// Package allocation содержит use case'ы размещения строк заказа по партиям.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	"github.com/iKonstantin1991/patterns-book/internal/metrics"
)

// BatchSpec — входные данные для регистрации партии.
type BatchSpec struct {
	Reference string
	SKU       string
	Qty       int
	ETA       *time.Time
}

// Service выполняет операции над партиями, каждую в отдельном unit of work.
type Service struct {
	uows    domain.UnitOfWorkFactory
	metrics *metrics.AllocationMetrics
	logger  *log.Entry
	now     func() time.Time
}

// NewService создаёт сервис аллокации. metrics может быть nil.
func NewService(uows domain.UnitOfWorkFactory, m *metrics.AllocationMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "allocation")
	}
	return &Service{
		uows:    uows,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AddBatch регистрирует новую партию и ставит событие BatchCreated в outbox.
func (s *Service) AddBatch(ctx context.Context, spec BatchSpec) (err error) {
	done := s.track(metrics.OperationAddBatch)
	defer func() { done(err) }()

	batch, err := domain.NewBatch(spec.Reference, spec.SKU, spec.Qty, spec.ETA)
	if err != nil {
		return err
	}

	return s.inUnitOfWork(ctx, func(uow domain.UnitOfWork) error {
		if err := uow.Batches().Add(ctx, batch); err != nil {
			return err
		}
		return s.record(uow, batch.Reference, domain.EventBatchCreated, domain.BatchCreated{
			Reference:  batch.Reference,
			SKU:        batch.SKU,
			Qty:        batch.PurchasedQuantity(),
			ETA:        batch.ETA,
			OccurredAt: s.now(),
		})
	})
}

// Allocate размещает строку заказа в самой ранней подходящей партии и
// возвращает её reference.
func (s *Service) Allocate(ctx context.Context, line domain.OrderLine) (batchRef string, err error) {
	done := s.track(metrics.OperationAllocate)
	defer func() { done(err) }()

	if errs := line.Validate(); len(errs) > 0 {
		return "", &domain.ValidationError{Errors: errs}
	}

	err = s.inUnitOfWork(ctx, func(uow domain.UnitOfWork) error {
		batches, err := uow.Batches().List(ctx)
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}
		if !domain.KnownSKU(line.SKU, batches) {
			return &domain.InvalidSKUError{SKU: line.SKU}
		}

		ref, err := domain.Allocate(line, batches)
		if err != nil {
			return err
		}
		batchRef = ref

		return s.record(uow, ref, domain.EventAllocated, domain.Allocated{
			OrderID:    line.OrderID,
			SKU:        line.SKU,
			Qty:        line.Qty,
			BatchRef:   ref,
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordAllocatedUnits(line.Qty)
	}
	s.logger.WithFields(log.Fields{
		"order_id":  line.OrderID,
		"sku":       line.SKU,
		"qty":       line.Qty,
		"batch_ref": batchRef,
	}).Info("order line allocated")

	return batchRef, nil
}

// Deallocate снимает строку заказа с партии, в которой она размещена.
func (s *Service) Deallocate(ctx context.Context, line domain.OrderLine) (batchRef string, err error) {
	done := s.track(metrics.OperationDeallocate)
	defer func() { done(err) }()

	if errs := line.Validate(); len(errs) > 0 {
		return "", &domain.ValidationError{Errors: errs}
	}

	err = s.inUnitOfWork(ctx, func(uow domain.UnitOfWork) error {
		batches, err := uow.Batches().List(ctx)
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}

		batch := domain.FindAllocation(line, batches)
		if batch == nil {
			return domain.ErrOrderLineNotAllocated
		}
		batch.Deallocate(line)
		batchRef = batch.Reference

		return s.record(uow, batch.Reference, domain.EventDeallocated, domain.Deallocated{
			OrderID:    line.OrderID,
			SKU:        line.SKU,
			Qty:        line.Qty,
			BatchRef:   batch.Reference,
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordDeallocatedUnits(line.Qty)
	}
	s.logger.WithFields(log.Fields{
		"order_id":  line.OrderID,
		"sku":       line.SKU,
		"batch_ref": batchRef,
	}).Info("order line deallocated")

	return batchRef, nil
}

// GetBatch возвращает партию по reference. Изменений не производит.
func (s *Service) GetBatch(ctx context.Context, reference string) (*domain.Batch, error) {
	if reference == "" {
		return nil, &domain.ValidationError{Errors: []error{domain.ErrBatchReferenceRequired}}
	}

	uow, err := s.uows.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() { _ = uow.Rollback(ctx) }()

	return uow.Batches().Get(ctx, reference)
}

// inUnitOfWork выполняет fn в новом unit of work и коммитит его при успехе.
// При любой ошибке изменения откатываются.
func (s *Service) inUnitOfWork(ctx context.Context, fn func(uow domain.UnitOfWork) error) error {
	uow, err := s.uows.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer func() {
		if rbErr := uow.Rollback(ctx); rbErr != nil {
			s.logger.WithError(rbErr).Warn("rollback unit of work")
		}
	}()

	if err := fn(uow); err != nil {
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		if errors.Is(err, domain.ErrBatchVersionConflict) || errors.Is(err, domain.ErrBatchAlreadyExists) {
			return err
		}
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

func (s *Service) record(uow domain.UnitOfWork, batchRef string, eventType domain.EventType, event any) error {
	msg, err := domain.NewOutboxMessage(batchRef, eventType, event)
	if err != nil {
		return err
	}
	if err := uow.Events().Record(msg); err != nil {
		return fmt.Errorf("record %s event: %w", eventType, err)
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
	return nil
}

// track фиксирует начало операции и возвращает функцию, завершающую замер.
func (s *Service) track(operation string) func(err error) {
	if s.metrics == nil {
		return func(error) {}
	}
	start := time.Now()
	s.metrics.OperationStarted()
	return func(err error) {
		s.metrics.OperationFinished(operation, resultOf(err), time.Since(start))
	}
}

func resultOf(err error) string {
	var validation *domain.ValidationError
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.As(err, &validation):
		return metrics.ResultInvalid
	case errors.Is(err, domain.ErrInvalidSKU):
		return metrics.ResultInvalidSKU
	case errors.Is(err, domain.ErrOutOfStock):
		return metrics.ResultOutOfStock
	case errors.Is(err, domain.ErrBatchNotFound), errors.Is(err, domain.ErrOrderLineNotAllocated):
		return metrics.ResultNotFound
	case errors.Is(err, domain.ErrBatchVersionConflict), errors.Is(err, domain.ErrBatchAlreadyExists):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}
