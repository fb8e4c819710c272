// Package storage is the relational adapter: typed row-level CRUD with
// organization scoping, soft deletes, cursor paging, and per-dialect vector
// column handling. PostgreSQL is the primary target; an embedded SQLite file
// serves as the zero-dependency fallback.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq" // PostgreSQL driver, also used for error codes
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/cortex/pkg/errs"
)

// Config controls how the adapter opens its database.
type Config struct {
	// PostgresURI selects PostgreSQL when non-empty.
	PostgresURI string

	// SQLitePath is the fallback database file; ":memory:" for tests.
	SQLitePath string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// RunMigrations applies pending schema migrations on open. Default true
	// via Open; set false only when the schema is managed externally.
	SkipMigrations bool
}

// DB wraps the sql handle with its dialect.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects per the config, tunes the pool, and applies migrations.
func Open(cfg Config) (*DB, error) {
	var (
		handle  *sql.DB
		dialect Dialect
		err     error
	)

	if cfg.PostgresURI != "" {
		handle, err = sql.Open("postgres", cfg.PostgresURI)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		dialect = postgresDialect{}
	} else {
		path := cfg.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		handle, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		dialect = sqliteDialect{}
		// SQLite serializes writes; a single connection avoids lock errors.
		handle.SetMaxOpenConns(1)
	}

	if cfg.MaxOpenConns > 0 && dialect.Name() == "postgres" {
		handle.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		handle.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		handle.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{
		sql:     handle,
		dialect: dialect,
		logger:  slog.Default().With("component", "storage"),
	}

	if !cfg.SkipMigrations {
		if err := db.migrate(context.Background()); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return db, nil
}

// Dialect exposes the active dialect to sibling packages (internal/vector).
func (db *DB) Dialect() Dialect { return db.dialect }

// SQL exposes the underlying handle for sibling packages and tests.
func (db *DB) SQL() *sql.DB { return db.sql }

// Close releases the connection pool.
func (db *DB) Close() error { return db.sql.Close() }

// query runs a rebound query.
func (db *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.dialect.Rebind(q), args...)
}

// queryRow runs a rebound single-row query.
func (db *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.dialect.Rebind(q), args...)
}

// exec runs a rebound statement, translating constraint violations.
func (db *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	res, err := db.sql.ExecContext(ctx, db.dialect.Rebind(q), args...)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{raw: raw, dialect: db.dialect}
	if err := fn(tx); err != nil {
		_ = raw.Rollback()
		return err
	}
	return raw.Commit()
}

// Tx is a rebinding wrapper over *sql.Tx used inside withTx callbacks.
type Tx struct {
	raw     *sql.Tx
	dialect Dialect
}

func (t *Tx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	res, err := t.raw.ExecContext(ctx, t.dialect.Rebind(q), args...)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}

func (t *Tx) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return t.raw.QueryContext(ctx, t.dialect.Rebind(q), args...)
}

func (t *Tx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.raw.QueryRowContext(ctx, t.dialect.Rebind(q), args...)
}

// translateError maps driver constraint errors onto the shared taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errs.Wrap(errs.CodeConflict, err, "unique constraint violation")
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errs.Wrap(errs.CodeConflict, err, "unique constraint violation")
	}
	return err
}

// nullString converts an optional string for storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts an optional time for storage.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
