/*
Package sqlite provides the SQLite-backed Ledger Store.

PURPOSE:
  Implements billing.Store using SQLite (mattn/go-sqlite3). The billing core
  only ever sees a billing.Tx handed out by WithTx; every query of one
  logical operation runs on that single *sql.Tx.

KEY TABLES:
  patients, coverages              identity records
  claims, services                 the claim graph
  charges, payments                money in and out
  applications, adjustments        append-only financial events
  cms1500_snapshots                append-only, locks a claim (triggers reject UPDATE/DELETE)
  provider_settings                single active billing identity
  schema_migrations                applied schema versions (migrate.go)

STORAGE FORMATS:
  money       TEXT decimal ("150.00"), summed in Go, never by SQLite REAL
  timestamps  TEXT billing.TimeLayout (fixed width, sorts as a string)
  dates       TEXT YYYY-MM-DD

CONCURRENCY:
  One open connection (SetMaxOpenConns(1)) and a mutex around WithTx. This is
  also what keeps ":memory:" databases alive: every query shares the single
  connection, so tests see one database.

WAL MODE:
  Opened with WAL journal and foreign keys enforced.

USAGE:
  store, err := sqlite.New("./billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewLedger(store)

SEE ALSO:
  - billing/store.go: Interface definitions
  - migrate.go: Versioned schema
  - tx.go: Query implementations
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/lifetrack/billing-ledger/billing"
	_ "github.com/mattn/go-sqlite3"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.Store = (*Store)(nil)

// New opens the database and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	store, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Open opens the database without touching the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Store{db: db}, nil
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction. The transaction is
// committed if fn returns nil and rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args[T ~int64](ids []T) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	return args
}
