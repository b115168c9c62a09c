package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

type batchRow struct {
	ID                int64        `db:"id"`
	Reference         string       `db:"reference"`
	SKU               string       `db:"sku"`
	PurchasedQuantity int          `db:"purchased_quantity"`
	ETA               sql.NullTime `db:"eta"`
	Version           int64        `db:"version"`
}

type allocationRow struct {
	BatchID int64  `db:"batch_id"`
	OrderID string `db:"orderid"`
	SKU     string `db:"sku"`
	Qty     int    `db:"qty"`
}

// trackedBatch — загруженная партия, её id и аллокации на момент загрузки.
type trackedBatch struct {
	id       int64
	batch    *domain.Batch
	version  int64
	original []domain.OrderLine
}

// unitOfWork — domain.UnitOfWork поверх транзакции sqlx.
type unitOfWork struct {
	tx      *sqlx.Tx
	tracked map[string]*trackedBatch
	order   []string
	events  []domain.OutboxMessage
	closed  bool
}

func newUnitOfWork(tx *sqlx.Tx) *unitOfWork {
	return &unitOfWork{
		tx:      tx,
		tracked: make(map[string]*trackedBatch),
	}
}

func (u *unitOfWork) Batches() domain.BatchRepository {
	return (*batchRepository)(u)
}

func (u *unitOfWork) Events() domain.EventRecorder {
	return (*eventRecorder)(u)
}

// Commit сохраняет изменённые партии с проверкой версии, пишет события в
// outbox и фиксирует транзакцию.
func (u *unitOfWork) Commit(ctx context.Context) error {
	if u.closed {
		return domain.ErrUnitOfWorkClosed
	}

	if err := u.flush(ctx); err != nil {
		return err
	}
	stagedAt := time.Now().UTC()
	for _, msg := range u.events {
		if _, err := insertOutboxMessage(ctx, u.tx, msg, stagedAt); err != nil {
			return err
		}
	}

	u.closed = true
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback откатывает транзакцию. После Commit ничего не делает.
func (u *unitOfWork) Rollback(_ context.Context) error {
	if u.closed {
		return nil
	}
	u.closed = true
	u.events = nil
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

func (u *unitOfWork) flush(ctx context.Context) error {
	for _, ref := range u.order {
		tracked := u.tracked[ref]
		current := tracked.batch.Allocations()
		removed := diffLines(tracked.original, current)
		added := diffLines(current, tracked.original)
		if len(removed) == 0 && len(added) == 0 {
			continue
		}

		bumped, err := execAffected(ctx, u.tx, `
			UPDATE batches
			SET version = version + 1
			WHERE id = $1 AND version = $2
		`, tracked.id, tracked.version)
		if err != nil {
			return fmt.Errorf("bump batch %s version: %w", ref, err)
		}
		if bumped == 0 {
			return domain.ErrBatchVersionConflict
		}

		for _, line := range removed {
			if _, err := u.tx.ExecContext(ctx, `
				WITH removed AS (
					DELETE FROM allocations a
					USING order_lines ol
					WHERE a.orderline_id = ol.id
					  AND a.batch_id = $1
					  AND ol.orderid = $2 AND ol.sku = $3 AND ol.qty = $4
					RETURNING a.orderline_id
				)
				DELETE FROM order_lines WHERE id IN (SELECT orderline_id FROM removed)
			`, tracked.id, line.OrderID, line.SKU, line.Qty); err != nil {
				return fmt.Errorf("delete allocation from batch %s: %w", ref, err)
			}
		}
		for _, line := range added {
			if _, err := u.tx.ExecContext(ctx, `
				WITH line AS (
					INSERT INTO order_lines (orderid, sku, qty)
					VALUES ($2, $3, $4)
					RETURNING id
				)
				INSERT INTO allocations (orderline_id, batch_id)
				SELECT line.id, $1 FROM line
			`, tracked.id, line.OrderID, line.SKU, line.Qty); err != nil {
				return fmt.Errorf("insert allocation into batch %s: %w", ref, err)
			}
		}

		tracked.version++
		tracked.batch.Version = tracked.version
		tracked.original = current
	}
	return nil
}

func (u *unitOfWork) track(row batchRow, lines []domain.OrderLine) *domain.Batch {
	var eta *time.Time
	if row.ETA.Valid {
		t := row.ETA.Time
		eta = &t
	}
	batch := domain.RestoreBatch(row.Reference, row.SKU, row.PurchasedQuantity, eta, row.Version, lines)
	u.tracked[row.Reference] = &trackedBatch{
		id:       row.ID,
		batch:    batch,
		version:  row.Version,
		original: batch.Allocations(),
	}
	u.order = append(u.order, row.Reference)
	return batch
}

// batchRepository представляет unitOfWork как domain.BatchRepository.
type batchRepository unitOfWork

func (r *batchRepository) uow() *unitOfWork {
	return (*unitOfWork)(r)
}

func (r *batchRepository) Add(ctx context.Context, batch *domain.Batch) error {
	if batch == nil {
		return domain.ErrBatchReferenceRequired
	}
	u := r.uow()
	if _, ok := u.tracked[batch.Reference]; ok {
		return domain.ErrBatchAlreadyExists
	}

	var eta any
	if batch.ETA != nil {
		eta = *batch.ETA
	}

	var row batchRow
	err := u.tx.QueryRowxContext(ctx, `
		INSERT INTO batches (reference, sku, purchased_quantity, eta, version)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING id, reference, sku, purchased_quantity, eta, version
	`, batch.Reference, batch.SKU, batch.PurchasedQuantity(), eta).StructScan(&row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrBatchAlreadyExists
		}
		return fmt.Errorf("insert batch %s: %w", batch.Reference, err)
	}

	u.tracked[batch.Reference] = &trackedBatch{
		id:      row.ID,
		batch:   batch,
		version: row.Version,
	}
	u.order = append(u.order, batch.Reference)
	return nil
}

func (r *batchRepository) Get(ctx context.Context, reference string) (*domain.Batch, error) {
	u := r.uow()
	if tracked, ok := u.tracked[reference]; ok {
		return tracked.batch, nil
	}

	var row batchRow
	err := u.tx.GetContext(ctx, &row, `
		SELECT id, reference, sku, purchased_quantity, eta, version
		FROM batches
		WHERE reference = $1
	`, reference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("get batch %s: %w", reference, err)
	}

	lines, err := r.loadAllocations(ctx, []int64{row.ID})
	if err != nil {
		return nil, err
	}
	return u.track(row, lines[row.ID]), nil
}

func (r *batchRepository) List(ctx context.Context) ([]*domain.Batch, error) {
	u := r.uow()

	var rows []batchRow
	if err := u.tx.SelectContext(ctx, &rows, `
		SELECT id, reference, sku, purchased_quantity, eta, version
		FROM batches
		ORDER BY reference
	`); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	fresh := make([]int64, 0, len(rows))
	for _, row := range rows {
		if _, ok := u.tracked[row.Reference]; !ok {
			fresh = append(fresh, row.ID)
		}
	}
	lines, err := r.loadAllocations(ctx, fresh)
	if err != nil {
		return nil, err
	}

	result := make([]*domain.Batch, 0, len(rows))
	for _, row := range rows {
		if tracked, ok := u.tracked[row.Reference]; ok {
			result = append(result, tracked.batch)
			continue
		}
		result = append(result, u.track(row, lines[row.ID]))
	}
	return result, nil
}

func (r *batchRepository) loadAllocations(ctx context.Context, batchIDs []int64) (map[int64][]domain.OrderLine, error) {
	result := make(map[int64][]domain.OrderLine, len(batchIDs))
	if len(batchIDs) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`
		SELECT a.batch_id, ol.orderid, ol.sku, ol.qty
		FROM allocations a
		JOIN order_lines ol ON ol.id = a.orderline_id
		WHERE a.batch_id IN (?)
		ORDER BY a.id
	`, batchIDs)
	if err != nil {
		return nil, fmt.Errorf("build allocations query: %w", err)
	}

	u := r.uow()
	var rows []allocationRow
	if err := u.tx.SelectContext(ctx, &rows, u.tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	for _, row := range rows {
		result[row.BatchID] = append(result[row.BatchID], domain.OrderLine{
			OrderID: row.OrderID,
			SKU:     row.SKU,
			Qty:     row.Qty,
		})
	}
	return result, nil
}

// eventRecorder представляет unitOfWork как domain.EventRecorder.
type eventRecorder unitOfWork

func (r *eventRecorder) Record(msg domain.OutboxMessage) error {
	if r.closed {
		return domain.ErrUnitOfWorkClosed
	}
	r.events = append(r.events, msg)
	return nil
}

// diffLines возвращает строки из a, которых нет в b.
func diffLines(a, b []domain.OrderLine) []domain.OrderLine {
	if len(a) == 0 {
		return nil
	}
	present := make(map[domain.OrderLine]struct{}, len(b))
	for _, line := range b {
		present[line] = struct{}{}
	}
	var result []domain.OrderLine
	for _, line := range a {
		if _, ok := present[line]; !ok {
			result = append(result, line)
		}
	}
	return result
}

var (
	_ domain.UnitOfWork      = (*unitOfWork)(nil)
	_ domain.BatchRepository = (*batchRepository)(nil)
	_ domain.EventRecorder   = (*eventRecorder)(nil)
)
