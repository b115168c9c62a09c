package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Ошибка отсутствующего идентификатора заказа в строке.
	ErrOrderIDRequired = errors.New("orderid is required")
	// Ошибка отсутствующего SKU.
	ErrSKURequired = errors.New("sku is required")
	// Ошибка при некорректном количестве (<= 0).
	ErrQtyInvalid = errors.New("qty must be greater than zero")
	// Ошибка отсутствующего reference партии.
	ErrBatchReferenceRequired = errors.New("reference is required")
	// ни одна партия не может принять строку заказа
	ErrOutOfStock = errors.New("out of stock")
	// SKU не встречается ни в одной известной партии
	ErrInvalidSKU = errors.New("invalid sku")
	// ErrBatchNotFound возвращается, если партия не найдена в репозитории.
	ErrBatchNotFound      = errors.New("batch not found")
	ErrBatchAlreadyExists = errors.New("batch already exists")
	// ErrBatchVersionConflict сигнализирует о конкурентном изменении партии.
	ErrBatchVersionConflict  = errors.New("batch version conflict")
	ErrOrderLineNotAllocated = errors.New("order line is not allocated")
	// Commit после Commit или Rollback
	ErrUnitOfWorkClosed = errors.New("unit of work is already closed")
	ErrOutboxPublish    = errors.New("outbox publish failed")
)

// OutOfStockError несёт строку заказа, для которой не нашлось партии.
type OutOfStockError struct {
	Line OrderLine
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock for sku %s", e.Line.SKU)
}

// Is позволяет сравнивать через errors.Is(err, ErrOutOfStock).
func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}

// InvalidSKUError называет SKU, которого нет среди партий.
type InvalidSKUError struct {
	SKU string
}

func (e *InvalidSKUError) Error() string {
	return fmt.Sprintf("invalid sku %s", e.SKU)
}

// Is позволяет сравнивать через errors.Is(err, ErrInvalidSKU).
func (e *InvalidSKUError) Is(target error) bool {
	return target == ErrInvalidSKU
}

// ValidationError объединяет ошибки проверки входных данных.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages(), "; ")
}

// Unwrap делает errors.Is(err, ErrQtyInvalid) и т.п. рабочими.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// Messages возвращает тексты ошибок для ответа клиенту.
func (e *ValidationError) Messages() []string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrBatchVersionConflict)
}

// IsAllocationRejected сообщает о бизнес-отказе (нет стока или неизвестный SKU), который не ретраится.
func IsAllocationRejected(err error) bool {
	return errors.Is(err, ErrOutOfStock) || errors.Is(err, ErrInvalidSKU)
}
