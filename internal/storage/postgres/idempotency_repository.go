package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

const idempotencyColumns = `key, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at`

// Просроченный, но ещё не удалённый ключ занимается заново: конфликт без
// обновления (живой ключ) возвращает ноль строк.
const claimIdempotencyKeyQuery = `
	INSERT INTO idempotency_keys (key, request_hash, status, ttl_at, created_at, updated_at)
	VALUES ($1, $2, 'processing', $3, $4, $4)
	ON CONFLICT (key) DO UPDATE
	SET request_hash = EXCLUDED.request_hash,
	    response_body = NULL,
	    http_status = NULL,
	    status = EXCLUDED.status,
	    ttl_at = EXCLUDED.ttl_at,
	    created_at = EXCLUDED.created_at,
	    updated_at = EXCLUDED.updated_at
	WHERE idempotency_keys.ttl_at <= EXCLUDED.created_at
	RETURNING ` + idempotencyColumns

const completeIdempotencyKeyQuery = `
	UPDATE idempotency_keys
	SET status = $2, http_status = $3, response_body = $4, updated_at = $5
	WHERE key = $1`

const releaseIdempotencyKeyQuery = `
	DELETE FROM idempotency_keys
	WHERE key = $1 AND status = 'processing'`

const deleteExpiredIdempotencyKeysQuery = `
	DELETE FROM idempotency_keys
	WHERE key IN (
		SELECT key FROM idempotency_keys
		WHERE ttl_at <= $1
		ORDER BY ttl_at
		LIMIT $2
	)`

type idempotencyRow struct {
	Key          string        `db:"key"`
	RequestHash  string        `db:"request_hash"`
	ResponseBody []byte        `db:"response_body"`
	HTTPStatus   sql.NullInt64 `db:"http_status"`
	Status       string        `db:"status"`
	TTLAt        time.Time     `db:"ttl_at"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (row idempotencyRow) record() (domain.IdempotencyRecord, error) {
	status := domain.IdempotencyStatus(row.Status)
	if !status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", row.Key, row.Status)
	}
	return domain.IdempotencyRecord{
		Key:          row.Key,
		RequestHash:  row.RequestHash,
		ResponseBody: row.ResponseBody,
		HTTPStatus:   int(row.HTTPStatus.Int64),
		Status:       status,
		TTLAt:        row.TTLAt.UTC(),
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}, nil
}

type idempotencyRepository struct {
	db  *sqlx.DB
	now func() time.Time
	// lookup читает занятый ключ после неудачного захвата.
	lookup func(key string) (domain.IdempotencyRecord, error)
}

// NewIdempotencyRepository хранит ключи идемпотентности в таблице idempotency_keys.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	r := &idempotencyRepository{db: store.db, now: func() time.Time { return time.Now().UTC() }}
	r.lookup = r.Get
	return r
}

func (r *idempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if requestHash = strings.TrimSpace(requestHash); requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := opContext()
	defer cancel()

	// Ключ может исчезнуть между INSERT и SELECT (Release или очистка по TTL),
	// тогда захват повторяется один раз.
	for attempt := 1; ; attempt++ {
		var row idempotencyRow
		err = r.db.GetContext(ctx, &row, claimIdempotencyKeyQuery, key, requestHash, ttlAt.UTC(), now)
		switch {
		case err == nil:
			return row.record()
		case !errors.Is(err, sql.ErrNoRows):
			return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
		}

		existing, err := r.lookup(key)
		switch {
		case errors.Is(err, domain.ErrIdempotencyKeyNotFound) && attempt == 1:
			continue
		case errors.Is(err, domain.ErrIdempotencyKeyNotFound):
			// ключ снова занят и снова освобождён: для клиента запрос ещё выполняется
			return domain.IdempotencyRecord{
				Key:         key,
				RequestHash: requestHash,
				Status:      domain.IdempotencyStatusProcessing,
			}, domain.ErrIdempotencyKeyAlreadyExists
		case err != nil:
			return domain.IdempotencyRecord{}, fmt.Errorf("read claimed idempotency key: %w", err)
		case existing.RequestHash != requestHash:
			return existing, domain.ErrIdempotencyHashMismatch
		}
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := opContext()
	defer cancel()

	var row idempotencyRow
	err = r.db.GetContext(ctx, &row, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return row.record()
}

func (r *idempotencyRepository) MarkDone(key string, responseBody []byte, httpStatus int) error {
	return r.complete(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(key string, responseBody []byte, httpStatus int) error {
	return r.complete(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (r *idempotencyRepository) Release(key string) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	released, err := execAffected(ctx, r.db, releaseIdempotencyKeyQuery, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	if released > 0 {
		return nil
	}
	existing, err := r.Get(key)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: key %s is %s", domain.ErrIdempotencyKeyAlreadyExists, key, existing.Status)
}

// DeleteExpired удаляет не больше limit ключей с TTL <= before, старые первыми.
func (r *idempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := opContext()
	defer cancel()

	deleted, err := execAffected(ctx, r.db, deleteExpiredIdempotencyKeysQuery, before, sweepLimit(limit))
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return int(deleted), nil
}

func (r *idempotencyRepository) complete(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	ctx, cancel := opContext()
	defer cancel()

	updated, err := execAffected(ctx, r.db, completeIdempotencyKeyQuery, key, string(status), httpStatus, responseBody, r.now())
	if err != nil {
		return fmt.Errorf("mark idempotency key %s: %w", status, err)
	}
	if updated == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
