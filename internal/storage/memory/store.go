package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

// Store — in-memory хранилище партий для локальной разработки и тестов.
// Реализует domain.UnitOfWorkFactory с теми же гарантиями, что и PostgreSQL:
// изменения видны другим только после Commit, конкурентная запись в одну
// партию отсекается проверкой версии.
type Store struct {
	mu      sync.Mutex
	batches map[string]*domain.Batch
	outbox  *OutboxRepository
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		batches: make(map[string]*domain.Batch),
		outbox:  NewOutboxRepository(),
	}
}

// Outbox возвращает outbox, куда попадают события закоммиченных unit of work.
func (s *Store) Outbox() *OutboxRepository {
	return s.outbox
}

// Begin открывает новый unit of work.
func (s *Store) Begin(_ context.Context) (domain.UnitOfWork, error) {
	return &unitOfWork{
		store: s,
		repo: &batchRepository{
			store: s,
			seen:  make(map[string]*trackedBatch),
			added: make(map[string]*domain.Batch),
		},
	}, nil
}

// Snapshot возвращает копии всех закоммиченных партий, отсортированные по reference.
func (s *Store) Snapshot() []*domain.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*domain.Batch, 0, len(s.batches))
	for _, ref := range slices.Sorted(maps.Keys(s.batches)) {
		result = append(result, s.batches[ref].Clone())
	}
	return result
}

var _ domain.UnitOfWorkFactory = (*Store)(nil)
