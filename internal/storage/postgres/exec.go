package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// opContext ограничивает одиночный запрос репозитория вне unit of work.
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// execAffected выполняет запрос и возвращает число затронутых строк.
func execAffected(ctx context.Context, execer sqlx.ExecerContext, query string, args ...any) (int64, error) {
	res, err := execer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// sweepLimit переводит limit <= 0 в NULL: LIMIT NULL в PostgreSQL снимает ограничение.
func sweepLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
