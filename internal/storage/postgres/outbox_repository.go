package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

const defaultOutboxPullLimit = 100

type outboxStatus string

const (
	outboxSent   outboxStatus = "sent"
	outboxFailed outboxStatus = "failed"
)

const insertOutboxMessageQuery = `
	INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)`

// seq растёт в порядке вставки, поэтому события одной транзакции читаются в порядке записи.
const pullPendingOutboxQuery = `
	SELECT id, aggregate_type, aggregate_id, event_type, payload
	FROM outbox_messages
	WHERE status = 'pending'
	ORDER BY seq
	LIMIT $1`

const outboxStatsQuery = `
	SELECT COUNT(*) AS pending, MIN(created_at) AS oldest
	FROM outbox_messages
	WHERE status = 'pending'`

const markOutboxMessageQuery = `
	UPDATE outbox_messages
	SET status = $2, attempt_count = attempt_count + 1, updated_at = $3
	WHERE id = $1`

const purgeProcessedOutboxQuery = `
	DELETE FROM outbox_messages
	WHERE id IN (
		SELECT id FROM outbox_messages
		WHERE status <> 'pending' AND updated_at <= $1
		ORDER BY updated_at, seq
		LIMIT $2
	)`

type outboxRow struct {
	ID            string `db:"id"`
	AggregateType string `db:"aggregate_type"`
	AggregateID   string `db:"aggregate_id"`
	EventType     string `db:"event_type"`
	Payload       []byte `db:"payload"`
}

// OutboxRepository читает и помечает события, которые unit of work записал в outbox_messages.
type OutboxRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{db: store.db, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue пишет событие вне unit of work.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := opContext()
	defer cancel()

	return insertOutboxMessage(ctx, r.db, msg, r.now())
}

func insertOutboxMessage(ctx context.Context, execer sqlx.ExecerContext, msg domain.OutboxMessage, at time.Time) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_, err := execer.ExecContext(ctx, insertOutboxMessageQuery,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, at)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("insert outbox message %s: %w", msg.EventType, err)
	}
	return msg, nil
}

// PullPending возвращает до limit ожидающих событий в порядке записи.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxPullLimit
	}

	ctx, cancel := opContext()
	defer cancel()

	var rows []outboxRow
	if err := r.db.SelectContext(ctx, &rows, pullPendingOutboxQuery, limit); err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	messages := make([]domain.OutboxMessage, len(rows))
	for i, row := range rows {
		messages[i] = domain.OutboxMessage(row)
	}
	return messages, nil
}

func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := opContext()
	defer cancel()

	var row struct {
		Pending int          `db:"pending"`
		Oldest  sql.NullTime `db:"oldest"`
	}
	if err := r.db.GetContext(ctx, &row, outboxStatsQuery); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}

	stats := domain.OutboxStats{PendingCount: row.Pending}
	if row.Oldest.Valid {
		stats.OldestPendingAt = row.Oldest.Time.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.mark(id, outboxSent)
}

func (r *OutboxRepository) MarkFailed(id string) error {
	return r.mark(id, outboxFailed)
}

// PurgeProcessed удаляет до limit sent/failed событий, обновлённых не позже before.
func (r *OutboxRepository) PurgeProcessed(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := opContext()
	defer cancel()

	purged, err := execAffected(ctx, r.db, purgeProcessedOutboxQuery, before, sweepLimit(limit))
	if err != nil {
		return 0, fmt.Errorf("purge processed outbox messages: %w", err)
	}
	return int(purged), nil
}

// mark возвращает ErrOutboxPublish, если события с таким id нет.
func (r *OutboxRepository) mark(id string, status outboxStatus) error {
	ctx, cancel := opContext()
	defer cancel()

	updated, err := execAffected(ctx, r.db, markOutboxMessageQuery, id, string(status), r.now())
	if err != nil {
		return fmt.Errorf("mark outbox message %s as %s: %w", id, status, err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: outbox message %s not found", domain.ErrOutboxPublish, id)
	}
	return nil
}

var (
	_ domain.OutboxRepository = (*OutboxRepository)(nil)
	_ domain.OutboxPurger     = (*OutboxRepository)(nil)
)
