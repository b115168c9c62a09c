package memory

import (
	"context"
	"maps"
	"slices"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

// trackedBatch — загруженная партия и её состояние на момент загрузки.
type trackedBatch struct {
	batch    *domain.Batch
	version  int64
	original []domain.OrderLine
}

func (t *trackedBatch) changed() bool {
	return !slices.Equal(t.original, t.batch.Allocations())
}

// batchRepository отдаёт копии партий и запоминает их для Commit.
type batchRepository struct {
	store *Store
	seen  map[string]*trackedBatch
	added map[string]*domain.Batch
}

func (r *batchRepository) Add(_ context.Context, batch *domain.Batch) error {
	if batch == nil {
		return domain.ErrBatchReferenceRequired
	}
	if _, ok := r.added[batch.Reference]; ok {
		return domain.ErrBatchAlreadyExists
	}
	if _, ok := r.seen[batch.Reference]; ok {
		return domain.ErrBatchAlreadyExists
	}

	r.store.mu.Lock()
	_, exists := r.store.batches[batch.Reference]
	r.store.mu.Unlock()
	if exists {
		return domain.ErrBatchAlreadyExists
	}

	r.added[batch.Reference] = batch
	return nil
}

func (r *batchRepository) Get(_ context.Context, reference string) (*domain.Batch, error) {
	if batch, ok := r.added[reference]; ok {
		return batch, nil
	}
	if tracked, ok := r.seen[reference]; ok {
		return tracked.batch, nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, ok := r.store.batches[reference]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return r.trackLocked(stored), nil
}

func (r *batchRepository) List(_ context.Context) ([]*domain.Batch, error) {
	r.store.mu.Lock()
	result := make([]*domain.Batch, 0, len(r.store.batches)+len(r.added))
	for _, ref := range slices.Sorted(maps.Keys(r.store.batches)) {
		if tracked, ok := r.seen[ref]; ok {
			result = append(result, tracked.batch)
			continue
		}
		result = append(result, r.trackLocked(r.store.batches[ref]))
	}
	r.store.mu.Unlock()

	for _, ref := range slices.Sorted(maps.Keys(r.added)) {
		result = append(result, r.added[ref])
	}

	return result, nil
}

func (r *batchRepository) trackLocked(stored *domain.Batch) *domain.Batch {
	clone := stored.Clone()
	r.seen[clone.Reference] = &trackedBatch{
		batch:    clone,
		version:  stored.Version,
		original: clone.Allocations(),
	}
	return clone
}

// eventBuffer копит события до Commit.
type eventBuffer struct {
	messages []domain.OutboxMessage
}

func (b *eventBuffer) Record(msg domain.OutboxMessage) error {
	b.messages = append(b.messages, msg)
	return nil
}

// unitOfWork — in-memory реализация domain.UnitOfWork.
type unitOfWork struct {
	store  *Store
	repo   *batchRepository
	events eventBuffer
	closed bool
}

func (u *unitOfWork) Batches() domain.BatchRepository {
	return u.repo
}

func (u *unitOfWork) Events() domain.EventRecorder {
	return &u.events
}

// Commit применяет добавленные и изменённые партии, проверяя версии.
func (u *unitOfWork) Commit(_ context.Context) error {
	if u.closed {
		return domain.ErrUnitOfWorkClosed
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	for ref := range u.repo.added {
		if _, exists := u.store.batches[ref]; exists {
			return domain.ErrBatchAlreadyExists
		}
	}

	changed := make([]*trackedBatch, 0, len(u.repo.seen))
	for ref, tracked := range u.repo.seen {
		if !tracked.changed() {
			continue
		}
		current, ok := u.store.batches[ref]
		if !ok || current.Version != tracked.version {
			return domain.ErrBatchVersionConflict
		}
		changed = append(changed, tracked)
	}

	for ref, batch := range u.repo.added {
		u.store.batches[ref] = batch.Clone()
	}
	for _, tracked := range changed {
		tracked.batch.Version = tracked.version + 1
		u.store.batches[tracked.batch.Reference] = tracked.batch.Clone()
	}
	for _, msg := range u.events.messages {
		if _, err := u.store.outbox.Enqueue(msg); err != nil {
			return err
		}
	}

	u.closed = true
	return nil
}

// Rollback отбрасывает несохранённые изменения. После Commit ничего не делает.
func (u *unitOfWork) Rollback(_ context.Context) error {
	if u.closed {
		return nil
	}
	u.closed = true
	u.events.messages = nil
	return nil
}

var (
	_ domain.UnitOfWork      = (*unitOfWork)(nil)
	_ domain.BatchRepository = (*batchRepository)(nil)
	_ domain.EventRecorder   = (*eventBuffer)(nil)
)
