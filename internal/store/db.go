package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore implements Store on top of sqlx. The same SQL serves SQLite and
// Postgres; placeholders are rebound per driver.
type SQLStore struct {
	*repo
	db *sqlx.DB
}

// Open picks the backend from the DSN scheme. postgres:// and
// postgresql:// select Postgres, sqlite:// or a bare path selects SQLite.
func Open(dsn string) (*SQLStore, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return NewSQLiteStore(dsn)
	}
}

func newSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{
		repo: &repo{q: db, now: time.Now},
		db:   db,
	}
	if err := s.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source used for timestamps. Tests use it to
// make snooze and completion times deterministic.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.repo.now = now
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Begin starts a transaction whose repository shares the store's clock.
func (s *SQLStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storageErr("beginning transaction", err)
	}
	return &sqlTx{
		repo: &repo{q: tx, now: s.repo.now},
		tx:   tx,
	}, nil
}

// sqlTx is a Repository bound to one sqlx transaction.
type sqlTx struct {
	*repo
	tx *sqlx.Tx
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order, each in its own transaction.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)")
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion := 0
	err = s.db.GetContext(ctx, &currentVersion,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// repo implements Repository against either a *sqlx.DB or a *sqlx.Tx.
type repo struct {
	q   sqlx.ExtContext
	now func() time.Time
}

func (r *repo) timestamp() time.Time {
	return r.now().UTC()
}

// in expands a query containing "IN (?)" for the given slice and rebinds
// it for the current driver.
func (r *repo) in(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return r.q.Rebind(q), a, nil
}

// nullableString binds a nil pointer as NULL.
func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
