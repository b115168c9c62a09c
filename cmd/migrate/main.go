package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/iKonstantin1991/patterns-book/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "ALLOCATION_POSTGRES_DSN"
)

// migrationStore — операции над схемой, которые нужны CLI.
type migrationStore interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
	Migrations(ctx context.Context) ([]postgres.MigrationState, error)
	Close() error
}

type storeOpener func(ctx context.Context, dsn string) (migrationStore, error)

func openPostgres(ctx context.Context, dsn string) (migrationStore, error) {
	return postgres.Open(ctx, dsn)
}

func main() {
	if err := newApp(os.Stdout, openPostgres).Run(os.Args); err != nil {
		log.WithError(err).Fatal("migrate failed")
	}
}

func newApp(out io.Writer, open storeOpener) *cli.App {
	withStore := func(c *cli.Context, fn func(ctx context.Context, store migrationStore) error) error {
		dsn := strings.TrimSpace(c.String("dsn"))
		if dsn == "" {
			return fmt.Errorf("%s (or --dsn) is required", envPostgresDSN)
		}

		ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
		defer cancel()

		store, err := open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer func() { _ = store.Close() }()

		return fn(ctx, store)
	}

	printStatus := func(ctx context.Context, store migrationStore, prefix string) error {
		version, count, err := store.MigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("migration status failed: %w", err)
		}
		_, _ = fmt.Fprintf(out, "%s: version=%d applied=%d\n", prefix, version, count)
		return nil
	}

	stepsFlag := func(def int, usage string) *cli.IntFlag {
		return &cli.IntFlag{Name: "steps", Value: def, Usage: usage}
	}

	return &cli.App{
		Name:  "migrate",
		Usage: "apply or roll back embedded allocation schema migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "PostgreSQL DSN",
				EnvVars: []string{envPostgresDSN},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: defaultTimeout,
				Usage: "command timeout",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply migrations",
				Flags: []cli.Flag{stepsFlag(0, "number of migrations to apply (0=all)")},
				Action: func(c *cli.Context) error {
					return withStore(c, func(ctx context.Context, store migrationStore) error {
						if err := store.MigrateUp(ctx, c.Int("steps")); err != nil {
							return fmt.Errorf("migrate up failed: %w", err)
						}
						return printStatus(ctx, store, "migrate up ok")
					})
				},
			},
			{
				Name:  "down",
				Usage: "roll back migrations",
				Flags: []cli.Flag{stepsFlag(1, "number of migrations to roll back")},
				Action: func(c *cli.Context) error {
					return withStore(c, func(ctx context.Context, store migrationStore) error {
						if err := store.MigrateDown(ctx, c.Int("steps")); err != nil {
							return fmt.Errorf("migrate down failed: %w", err)
						}
						return printStatus(ctx, store, "migrate down ok")
					})
				},
			},
			{
				Name:  "status",
				Usage: "list embedded migrations and their state",
				Action: func(c *cli.Context) error {
					return withStore(c, func(ctx context.Context, store migrationStore) error {
						states, err := store.Migrations(ctx)
						if err != nil {
							return fmt.Errorf("migration status failed: %w", err)
						}
						for _, st := range states {
							applied := "pending"
							if st.AppliedAt != nil {
								applied = st.AppliedAt.Format(time.RFC3339)
							}
							_, _ = fmt.Fprintf(out, "%04d %-24s %s\n", st.Version, st.Name, applied)
						}
						return printStatus(ctx, store, "migration status")
					})
				},
			},
		},
	}
}
