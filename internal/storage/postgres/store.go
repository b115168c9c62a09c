package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	uniqueViolationCode = "23505"
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// PoolConfig задаёт параметры пула соединений database/sql.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingTimeout ограничивает проверку соединения в Open и Ping.
	PingTimeout time.Duration
}

// DefaultPoolConfig подходит для одного инстанса сервиса аллокации.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Option настраивает Store при открытии.
type Option func(*PoolConfig)

// WithMaxOpenConns ограничивает число открытых соединений. Значение <= 0 игнорируется.
func WithMaxOpenConns(n int) Option {
	return func(cfg *PoolConfig) {
		if n > 0 {
			cfg.MaxOpenConns = n
			cfg.MaxIdleConns = min(cfg.MaxIdleConns, n)
		}
	}
}

// WithPingTimeout задаёт таймаут проверки соединения.
func WithPingTimeout(timeout time.Duration) Option {
	return func(cfg *PoolConfig) {
		if timeout > 0 {
			cfg.PingTimeout = timeout
		}
	}
}

// Store держит пул соединений PostgreSQL и открывает unit of work.
type Store struct {
	db          *sqlx.DB
	pingTimeout time.Duration
}

// Open подключается к PostgreSQL через pgx и дожидается ответа на ping.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	pool := DefaultPoolConfig()
	for _, option := range options {
		option(&pool)
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	store := &Store{db: db, pingTimeout: pool.PingTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB отдаёт *sql.DB для миграций и тестов.
func (s *Store) DB() *sql.DB {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.DB
}

// Ping используется health-checker'ом.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Begin открывает транзакцию READ COMMITTED. Конкурентные изменения одной
// партии отсекаются проверкой версии при Commit.
func (s *Store) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return newUnitOfWork(tx), nil
}

// EnsureSchema доводит схему до последней миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

var _ domain.UnitOfWorkFactory = (*Store)(nil)
