package domain

import (
	"context"
	"time"
)

// BatchRepository описывает хранилище партий в рамках одного unit of work.
type BatchRepository interface {
	// Add регистрирует новую партию. ErrBatchAlreadyExists, если reference занят.
	Add(ctx context.Context, batch *Batch) error
	// Get возвращает партию по reference или ErrBatchNotFound.
	Get(ctx context.Context, reference string) (*Batch, error)
	// List возвращает все известные партии.
	List(ctx context.Context) ([]*Batch, error)
}

// EventRecorder копит события, которые попадут в outbox при Commit.
type EventRecorder interface {
	Record(msg OutboxMessage) error
}

// UnitOfWork объединяет изменения партий в одну транзакцию.
//
// Партии, полученные через Batches(), отслеживаются: их изменения сохраняются
// при Commit без явного вызова репозитория. Rollback после Commit ничего не делает,
// поэтому типичное использование:
//
//	uow, err := factory.Begin(ctx)
//	...
//	defer func() { _ = uow.Rollback(ctx) }()
type UnitOfWork interface {
	Batches() BatchRepository
	Events() EventRecorder
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UnitOfWorkFactory открывает новый unit of work.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository отдаёт накопленные события воркеру публикации.
type OutboxRepository interface {
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// OutboxPurger удаляет обработанные (sent/failed) события, обновлённые не позже before.
type OutboxPurger interface {
	PurgeProcessed(before time.Time, limit int) (int, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	// Release освобождает ключ, который ещё в processing; завершённые записи не трогает.
	Release(key string) error
	DeleteExpired(before time.Time, limit int) (int, error)
}
