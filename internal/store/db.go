// Package store persists conversations and messages in SQLite (local mode)
// or PostgreSQL (remote mode) behind an explicit connection pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver for remote mode
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"golang.org/x/sync/semaphore"

	"github.com/soyeahso/chatline/internal/logging"
)

// Mode selects the storage backend.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Admission limits per mode.
const (
	localConnLimit  = 4
	remoteConnLimit = 8
)

// Options configures Open.
type Options struct {
	Mode     Mode
	Path     string // SQLite file, local mode
	URL      string // PostgreSQL connection URL, remote mode
	MaxConns int    // overrides the per-mode admission limit when > 0
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders for the dialect. Statements in this
// package never contain literal question marks.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DB is the history store.
type DB struct {
	sql     *sql.DB
	dialect dialect
	mode    Mode
	pool    *connPool
	gate    *semaphore.Weighted // serializes writes in local mode, nil otherwise
	log     *logging.Logger
	now     func() time.Time
	titles  *TitleGenerator
}

// Open opens (or creates) the history database and runs migrations.
func Open(opts Options, log *logging.Logger) (*DB, error) {
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}

	var (
		sqlDB *sql.DB
		d     dialect
		limit int
		err   error
	)

	switch opts.Mode {
	case ModeLocal:
		if opts.Path == "" {
			return nil, fmt.Errorf("local history store requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		sqlDB, err = sql.Open("sqlite", sqliteDSN(opts.Path))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		d, limit = dialectSQLite, localConnLimit
	case ModeRemote:
		if opts.URL == "" {
			return nil, fmt.Errorf("remote history store requires a url")
		}
		sqlDB, err = sql.Open("postgres", opts.URL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		d, limit = dialectPostgres, remoteConnLimit
	default:
		return nil, fmt.Errorf("unknown history mode %q", opts.Mode)
	}

	if opts.MaxConns > 0 {
		limit = opts.MaxConns
	}
	sqlDB.SetMaxOpenConns(limit)
	sqlDB.SetMaxIdleConns(limit)

	db := &DB{
		sql:     sqlDB,
		dialect: d,
		mode:    opts.Mode,
		pool:    newConnPool(sqlDB, limit),
		log:     log.Sub("store"),
		now:     time.Now,
	}
	if opts.Mode == ModeLocal {
		db.gate = semaphore.NewWeighted(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to history store: %w", err)
	}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.log.Info().Str("mode", string(opts.Mode)).Int("maxConns", limit).Msg("history store opened")
	return db, nil
}

func sqliteDSN(path string) string {
	return "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(250)" +
		"&_txlock=immediate"
}

// Close releases pooled connections and closes the database.
func (db *DB) Close() error {
	db.log.Info().Msg("closing history store")
	db.pool.close()
	return db.sql.Close()
}

// Mode returns the backend mode.
func (db *DB) Mode() Mode { return db.mode }

// SQL returns the underlying *sql.DB for direct queries.
func (db *DB) SQL() *sql.DB { return db.sql }

// SetClock replaces the time source. Used by tests.
func (db *DB) SetClock(now func() time.Time) { db.now = now }

func (db *DB) nowMs() int64 { return db.now().UnixMilli() }

// querier is satisfied by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txn runs dialect-neutral statements against a connection or transaction.
type txn struct {
	ctx context.Context
	q   querier
	d   dialect
}

func (t txn) exec(query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(t.ctx, t.d.rebind(query), args...)
}

func (t txn) query(query string, args ...any) (*sql.Rows, error) {
	return t.q.QueryContext(t.ctx, t.d.rebind(query), args...)
}

func (t txn) queryRow(query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(t.ctx, t.d.rebind(query), args...)
}

// read runs fn on a pooled connection.
func (db *DB) read(ctx context.Context, op string, fn func(t txn) error) error {
	conn, err := db.pool.acquire(ctx)
	if err != nil {
		return classify(op, err)
	}
	err = fn(txn{ctx: ctx, q: conn, d: db.dialect})
	db.pool.release(conn, err)
	return classify(op, err)
}

// write runs fn in a transaction on a pooled connection, holding the write
// gate in local mode. Lock contention retries the whole transaction.
func (db *DB) write(ctx context.Context, op string, fn func(t txn) error) error {
	return withLockRetry(ctx, op, func() error {
		return db.writeOnce(ctx, fn)
	})
}

func (db *DB) writeOnce(ctx context.Context, fn func(t txn) error) (err error) {
	if db.gate != nil {
		if err := db.gate.Acquire(ctx, 1); err != nil {
			return err
		}
		defer db.gate.Release(1)
	}

	conn, err := db.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { db.pool.release(conn, err) }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(txn{ctx: ctx, q: tx, d: db.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// migrate runs all pending migrations.
func (db *DB) migrate(ctx context.Context) error {
	conn, err := db.sql.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	t := txn{ctx: ctx, q: conn, d: db.dialect}

	// Create migrations tracking table
	if _, err := t.exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version       INTEGER PRIMARY KEY,
			name          TEXT NOT NULL,
			applied_at_ms BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(t, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		db.log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		tt := txn{ctx: ctx, q: tx, d: db.dialect}

		if _, err := tt.exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}

		if _, err := tt.exec("INSERT INTO schema_migrations (version, name, applied_at_ms) VALUES (?, ?, ?)",
			m.Version, m.Name, db.nowMs()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func isMigrationApplied(t txn, version int) (bool, error) {
	var count int
	err := t.queryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking migration %d: %w", version, err)
	}
	return count > 0, nil
}
