package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/querysql"
)

// Schema version tracking:
// 0 - No bookkeeping
// 1 - qplan_entities records the fingerprint each entity table was created for
const currentSchemaVersion = 1

// Store executes query plans against SQLite.
type Store struct {
	db      *sql.DB
	sql     *querysql.SQLCompiler
	locks   *LockTable
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records affected rows and lock waits.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
		s.locks.metrics = m
	}
}

// WithLogger sets the logger for statement tracing at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - Case-sensitive LIKE
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	// Open database (creates file if doesn't exist)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, and pragmas and :memory:
	// databases are per connection, so keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return New(db, opts...), nil
}

// New wraps an already configured database. Open is the usual entry
// point; New exists for callers that manage the connection themselves.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		sql:    querysql.NewSQLCompiler(),
		locks:  NewLockTable(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Locks returns the identity lock table.
func (s *Store) Locks() *LockTable {
	return s.locks
}

// Migrate creates a table for every descriptor that has none and records
// the descriptor's fingerprint. A table created for a differently shaped
// descriptor of the same name is a *SchemaMismatchError; tables are never
// altered.
func (s *Store) Migrate(ctx context.Context, descs ...*entity.Descriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrate: %w", err)
	}
	defer tx.Rollback()

	for _, d := range descs {
		var existing string
		err := tx.QueryRowContext(ctx, "SELECT fingerprint FROM qplan_entities WHERE name = ?", d.Name()).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("read fingerprint of %s: %w", d.Name(), err)
		case existing != d.Fingerprint():
			return &SchemaMismatchError{Entity: d.Name(), Stored: existing, Want: d.Fingerprint()}
		default:
			continue
		}

		if _, err := tx.ExecContext(ctx, querysql.CreateTable(d)); err != nil {
			return fmt.Errorf("create table %s: %w", d.Table(), err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO qplan_entities (name, fingerprint) VALUES (?, ?)",
			d.Name(), d.Fingerprint()); err != nil {
			return fmt.Errorf("record fingerprint of %s: %w", d.Name(), err)
		}
		s.logger.Debug("entity table created", "entity", d.Name(), "table", d.Table())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrate: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA case_sensitive_like = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates the bookkeeping table and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS qplan_entities (
			name        TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
