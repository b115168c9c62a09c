package postgres

import (
	"cmp"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

const migrationsGlob = "sql/migrations/*.sql"

// migrationLockKey сериализует миграции между репликами через pg_advisory_lock.
const migrationLockKey int64 = 0x616c6c6f63

const createMigrationsTableQuery = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// Имя файла: <version>_<name>.<up|down>.sql, например 0002_outbox_messages.up.sql.
var migrationFileName = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

func (m migration) statements(direction migrationDirection) (body, record string, args []any) {
	if direction == migrationDown {
		return m.Down, `DELETE FROM schema_migrations WHERE version = $1`, []any{m.Version}
	}
	return m.Up, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, []any{m.Version, m.Name}
}

// MigrationState описывает миграцию; AppliedAt == nil, пока она не применена.
type MigrationState struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
}

// MigrateUp применяет до steps неприменённых миграций; steps <= 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает steps последних миграций, минимум одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationDown, max(steps, 1))
}

// MigrationStatus возвращает старшую применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (version int64, count int, err error) {
	states, err := s.Migrations(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, st := range states {
		if st.AppliedAt != nil {
			count++
			version = max(version, st.Version)
		}
	}
	return version, count, nil
}

// Migrations сводит встроенные файлы с таблицей schema_migrations.
// Применённая версия без файла тоже попадает в список.
func (s *Store) Migrations(ctx context.Context) ([]MigrationState, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}
	known, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createMigrationsTableQuery); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	var applied []struct {
		Version   int64     `db:"version"`
		Name      string    `db:"name"`
		AppliedAt time.Time `db:"applied_at"`
	}
	if err := s.db.SelectContext(ctx, &applied, `SELECT version, name, applied_at FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}

	states := make(map[int64]MigrationState, len(known))
	for _, m := range known {
		states[m.Version] = MigrationState{Version: m.Version, Name: m.Name}
	}
	for _, row := range applied {
		at := row.AppliedAt.UTC()
		states[row.Version] = MigrationState{Version: row.Version, Name: row.Name, AppliedAt: &at}
	}

	out := make([]MigrationState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b MigrationState) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// migrate держит advisory lock на отдельном соединении всё время прогона.
// Каждая миграция вместе с записью в schema_migrations идёт в своей транзакции.
func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	known, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, createMigrationsTableQuery); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var applied []int64
	if err := conn.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	plan, err := planMigrations(known, applied, direction, steps)
	if err != nil {
		return err
	}
	for _, m := range plan {
		if err := runMigration(ctx, conn, direction, m); err != nil {
			return err
		}
	}
	return nil
}

// planMigrations выбирает, что выполнить. Up: неприменённые по возрастанию версий,
// steps <= 0 означает все. Down: steps последних применённых по убыванию.
func planMigrations(known []migration, applied []int64, direction migrationDirection, steps int) ([]migration, error) {
	var plan []migration
	switch direction {
	case migrationUp:
		for _, m := range known {
			if !slices.Contains(applied, m.Version) {
				plan = append(plan, m)
			}
		}
	case migrationDown:
		versions := slices.Sorted(slices.Values(applied))
		slices.Reverse(versions)
		if steps > 0 && len(versions) > steps {
			versions = versions[:steps]
		}
		for _, version := range versions {
			i := slices.IndexFunc(known, func(m migration) bool { return m.Version == version })
			if i < 0 {
				return nil, fmt.Errorf("applied migration %d has no down file", version)
			}
			plan = append(plan, known[i])
		}
	default:
		return nil, fmt.Errorf("unknown migration direction %q", direction)
	}

	if steps > 0 && len(plan) > steps {
		plan = plan[:steps]
	}
	return plan, nil
}

func runMigration(ctx context.Context, conn *sqlx.Conn, direction migrationDirection, m migration) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m, err)
	}
	defer func() { _ = tx.Rollback() }()

	body, record, args := m.statements(direction)
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("run %s %s: %w", direction, m, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s %s: %w", direction, m, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m, err)
	}
	return nil
}

// loadMigrationsFromFS читает пары up/down и сортирует их по версии.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFileName.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", base, err)
		}
		name, direction := parts[2], migrationDirection(parts[3])

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", base)
		}

		m := byVersion[version]
		switch {
		case m == nil:
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		case m.Name != name:
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}

		slot := &m.Up
		if direction == migrationDown {
			slot = &m.Down
		}
		if *slot != "" {
			return nil, fmt.Errorf("duplicate %s file for migration %s", direction, m)
		}
		*slot = body
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m)
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}
