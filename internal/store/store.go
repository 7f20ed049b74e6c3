package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an update or delete matched no rows.
var ErrNotFound = errors.New("not found")

// Options tunes the SQLite connection pool.
type Options struct {
	// MaxConnections caps the number of open connections. Zero keeps the
	// database/sql default.
	MaxConnections int

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration

	// SkipMigrations leaves the schema as found. Used by migration tooling.
	SkipMigrations bool
}

// Store is the SQLite-backed beat, absence and device store.
type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the database at path with default options.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens or creates the database at path and, unless
// opts.SkipMigrations is set, applies all pending migrations.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")
	// Write transactions take the lock up front so a concurrent writer waits
	// on busy_timeout instead of failing on lock upgrade.
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", strconv.FormatInt(opts.BusyTimeout.Milliseconds(), 10))

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxConnections > 0 {
		db.SetMaxOpenConns(opts.MaxConnections)
	}

	if !opts.SkipMigrations {
		if err := MigrateDB(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is a unit of work spanning the beat, absence and device tables.
// All reads and writes issued through it commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

// Update runs fn inside a single transaction. The transaction is committed
// only when fn returns nil; any error or panic rolls it back.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
