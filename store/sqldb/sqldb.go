/*
Package sqldb provides a SQL implementation of ledger.TxStore for SQLite
and PostgreSQL.

PURPOSE:
  Persists fee records, obligations, payments, allocations, audit entries,
  students and fee structures. The same queries serve both databases;
  placeholders are written as ? and rebound by sqlx for PostgreSQL.

DIALECTS:
  sqlite3:  money as TEXT, one open connection (SQLite has a single writer,
            and ":memory:" databases are per connection)
  postgres: money as NUMERIC(14,2), JSONB audit snapshots,
            SELECT ... FOR UPDATE on the fee record and a per-transaction
            lock_timeout so a blocked transaction fails instead of waiting

APPEND-ONLY ENFORCEMENT:
  - no DELETE statements on ledger tables
  - the only UPDATE on payments sets reversed_by_payment_id
  - CHECK constraints reject reversal rows without a reason or link, and
    original rows that carry one
  - partial unique indexes allow one full reversal per payment and one
    reversal per allocation

ERROR MAPPING:
  unique violation          -> ledger.ErrDuplicate
  foreign key violation     -> ledger.ErrNotFound
  check violation           -> ledger.ErrInvalidReversalLink
  SQLITE_BUSY/LOCKED,
  PG 40001/40P01/55P03      -> ledger.ErrContention (retried by the engine)

USAGE:
  db, err := sqldb.Open(ctx, "sqlite3", "./data/fees.db", sqldb.Options{})
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()

  engine := ledger.NewEngine(db)

MIGRATION:
  Schema is auto-migrated on Open. For production, use a proper migration
  tool with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/warp/fee-ledger/ledger"
)

type dialect int

const (
	sqlite dialect = iota
	postgres
)

func parseDialect(driver string) (dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return sqlite, nil
	case "postgres", "postgresql":
		return postgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (d dialect) driverName() string {
	if d == postgres {
		return "postgres"
	}
	return "sqlite3"
}

// forUpdate is appended to row-locking reads.
func (d dialect) forUpdate() string {
	if d == postgres {
		return " FOR UPDATE"
	}
	return ""
}

// Options tune the store. Zero values are replaced with defaults.
type Options struct {
	// LockTimeout bounds row-lock waits inside a transaction (PostgreSQL).
	LockTimeout time.Duration
	// PingAttempts is how many times Open pings before giving up.
	PingAttempts int
	Logger       *zap.Logger
}

// DB implements ledger.TxStore.
type DB struct {
	*conn
	db   *sqlx.DB
	opts Options
}

// Open connects, waits for the database to answer and migrates the schema.
// Use driver "sqlite3" with dsn ":memory:" for an in-memory database.
func Open(ctx context.Context, driver, dsn string, opts Options) (*DB, error) {
	d, err := parseDialect(driver)
	if err != nil {
		return nil, err
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.PingAttempts <= 0 {
		opts.PingAttempts = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if d == sqlite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d == sqlite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := ping(ctx, db, opts.PingAttempts); err != nil {
		db.Close()
		return nil, err
	}

	store := &DB{conn: &conn{ext: db, d: d}, db: db, opts: opts}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	opts.Logger.Info("database ready", zap.String("driver", d.driverName()))
	return store, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// ping waits for the database to be ready, waiting 100ms longer between
// each attempt.
func ping(ctx context.Context, db *sqlx.DB, attempts int) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Duration(i) * 100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("database ping timeout: %w", err)
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.d.schema())
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. fn must only use the
// Store it is given: on SQLite the transaction holds the only connection.
func (s *DB) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if s.d == postgres {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.opts.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return mapError(err)
		}
	}

	if err := fn(&conn{ext: tx, d: s.d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// conn runs queries against either the pool or an open transaction.
type conn struct {
	ext sqlx.ExtContext
	d   dialect
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.ext.ExecContext(ctx, c.ext.Rebind(query), args...)
	return res, mapError(err)
}

func (c *conn) get(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	err := sqlx.GetContext(ctx, c.ext, dest, c.ext.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (c *conn) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return mapError(sqlx.SelectContext(ctx, c.ext, dest, c.ext.Rebind(query), args...))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func mapError(err error) error {
	if err == nil {
		return nil
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ledger.ErrContention, err)
		case sqlite3.ErrConstraint:
			switch se.ExtendedCode {
			case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
				return fmt.Errorf("%w: %v", ledger.ErrDuplicate, err)
			case sqlite3.ErrConstraintForeignKey:
				return fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
			case sqlite3.ErrConstraintCheck:
				return fmt.Errorf("%w: %v", ledger.ErrInvalidReversalLink, err)
			}
		}
		return err
	}

	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ledger.ErrContention, err)
		case "23505":
			return fmt.Errorf("%w: %v", ledger.ErrDuplicate, err)
		case "23503":
			return fmt.Errorf("%w: %v", ledger.ErrNotFound, err)
		case "23514":
			return fmt.Errorf("%w: %v", ledger.ErrInvalidReversalLink, err)
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ ledger.TxStore = (*DB)(nil)
	_ ledger.Store   = (*conn)(nil)
)
