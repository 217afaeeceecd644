// Package escrowdb is the relational store of the TrustFlow escrow
// platform. It speaks two dialects: PostgreSQL (lib/pq) in production and
// SQLite (mattn/go-sqlite3) for development and tests. All SQL is written
// once with $N placeholders, each referenced a single time in ascending
// order, which binds identically under both drivers.
package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL engine behind a Store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("escrowdb: not found")

// Store wraps a database handle plus the repository methods that may run
// outside an explicit transaction.
type Store struct {
	db      *sql.DB
	dialect Dialect
	queries
}

// Open connects to the database named by url. postgres:// and
// postgresql:// URLs select the pq driver; anything else is treated as a
// SQLite path (an optional sqlite: prefix is stripped, :memory: works).
func Open(url string) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		dialect = DialectPostgres
		db, err = sql.Open("postgres", url)
	default:
		dialect = DialectSQLite
		path := strings.TrimPrefix(url, "sqlite:")
		db, err = sql.Open("sqlite3", path)
		if err == nil {
			// SQLite takes one writer at a time; a single pooled
			// connection also keeps :memory: databases alive.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("escrowdb: open %q: %w", url, err)
	}
	s := &Store{db: db, dialect: dialect}
	s.queries = queries{q: db}
	if dialect == DialectSQLite {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("escrowdb: enable foreign keys: %w", err)
		}
	}
	return s, nil
}

// Dialect returns the engine dialect of the store.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Begin opens a transaction. Batch work in the sync worker runs entirely
// inside one Tx so that a crash rewinds to the previous cursor position.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("escrowdb: begin: %w", err)
	}
	return &Tx{tx: tx, queries: queries{q: tx}}, nil
}

// Tx is an open transaction carrying the same repository surface as the
// Store, plus savepoint scoping for per-event failure isolation.
type Tx struct {
	tx *sql.Tx
	queries
	savepoints int
}

// Commit commits the transaction.
func (tx *Tx) Commit() error { return tx.tx.Commit() }

// Rollback aborts the transaction.
func (tx *Tx) Rollback() error { return tx.tx.Rollback() }

// WithSavepoint runs fn inside a savepoint. On error the savepoint alone is
// rolled back and the transaction remains usable; the error is returned for
// the caller to classify.
func (tx *Tx) WithSavepoint(ctx context.Context, fn func() error) error {
	tx.savepoints++
	name := fmt.Sprintf("sp_%d", tx.savepoints)
	if _, err := tx.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("escrowdb: savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("escrowdb: rollback to savepoint: %v (event error: %w)", rbErr, err)
		}
		if _, relErr := tx.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return fmt.Errorf("escrowdb: release savepoint: %v (event error: %w)", relErr, err)
		}
		return err
	}
	if _, err := tx.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("escrowdb: release savepoint: %w", err)
	}
	return nil
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries hosts every repository method; it is embedded in Store and Tx so
// each method works in both autocommit and transactional contexts.
type queries struct {
	q querier
}

// IsUniqueViolation reports whether err is a unique-constraint failure
// under either driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsFKViolation reports whether err is a foreign-key failure under either
// driver. The sync worker uses this to isolate orphaned on-chain events.
func IsFKViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
