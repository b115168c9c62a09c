package memory

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

const defaultPullLimit = 100

type outboxStatus uint8

const (
	statusPending outboxStatus = iota
	statusSent
	statusFailed
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	status    outboxStatus
	createdAt time.Time
	updatedAt time.Time
}

// OutboxRepository хранит события в порядке Enqueue, как seq в outbox_messages.
type OutboxRepository struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries []*outboxEntry
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue добавляет событие в хвост очереди; пустой ID заменяется на UUID.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = slices.Clone(msg.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	at := r.now()
	r.entries = append(r.entries, &outboxEntry{msg: msg, createdAt: at, updatedAt: at})
	return msg, nil
}

func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	return r.pending(limit), nil
}

// AllPending отдаёт весь backlog без ограничения.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	return r.pending(0)
}

func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		if e.status != statusPending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = e.createdAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.mark(id, statusSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.mark(id, statusFailed)
}

// PurgeProcessed удаляет до limit самых ранних sent/failed событий,
// обновлённых не позже before. limit <= 0 снимает ограничение.
func (r *OutboxRepository) PurgeProcessed(before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if before.IsZero() {
		before = r.now()
	}
	purged := 0
	r.entries = slices.DeleteFunc(r.entries, func(e *outboxEntry) bool {
		if limit > 0 && purged == limit {
			return false
		}
		if e.status == statusPending || e.updatedAt.After(before) {
			return false
		}
		purged++
		return true
	})
	return purged, nil
}

// Len считает события во всех статусах.
func (r *OutboxRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *OutboxRepository) mark(id string, status outboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.entries, func(e *outboxEntry) bool { return e.msg.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: outbox message %s not found", domain.ErrOutboxPublish, id)
	}
	r.entries[i].status = status
	r.entries[i].updatedAt = r.now()
	return nil
}

func (r *OutboxRepository) pending(limit int) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, e := range r.entries {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.status == statusPending {
			out = append(out, e.msg)
		}
	}
	return out
}

var (
	_ domain.OutboxRepository = (*OutboxRepository)(nil)
	_ domain.OutboxPurger     = (*OutboxRepository)(nil)
)
