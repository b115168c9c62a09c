package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/iKonstantin1991/patterns-book/internal/domain"
	healthcheck "github.com/iKonstantin1991/patterns-book/internal/health"
	"github.com/iKonstantin1991/patterns-book/internal/storage/memory"
	"github.com/iKonstantin1991/patterns-book/internal/storage/postgres"
)

// runtimeDependencies содержит хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	uows            domain.UnitOfWorkFactory
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

// initRuntimeDependencies открывает хранилище и собирает репозитории поверх него.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			uows:            store,
			outboxRepo:      store.Outbox(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker: healthcheck.NewSimpleChecker("storage", func(context.Context) error {
				return nil
			}),
		}, nil
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres dsn is required for %q storage driver", cfg.StorageDriver)
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxOpenConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate postgres schema: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}

		return &runtimeDependencies{
			uows:            store,
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.NewSimpleChecker("postgres", store.Ping),
			closeFn:         store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}
