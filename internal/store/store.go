package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/switchsync/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added per-switch (switch_name, id) indexes
const currentSchemaVersion = 1

// Supported policy store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Rules is the read surface the reconciler needs from a policy store.
type Rules interface {
	// TagRules returns the switch's tag rows ordered by id ascending.
	TagRules(ctx context.Context, switchName string) ([]ir.TagRule, error)
	// FilterRules returns the switch's filter rows ordered by id ascending.
	FilterRules(ctx context.Context, switchName string) ([]ir.FilterRule, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Editor adds rule management to Rules. Both backends implement it.
type Editor interface {
	Rules
	Switches(ctx context.Context) ([]string, error)
	InsertTagRule(ctx context.Context, switchName, match string, tagValue int64) (int64, error)
	InsertFilterRule(ctx context.Context, switchName string, tagValue int64) (int64, error)
	DeleteRule(ctx context.Context, class ir.IntentClass, id int64) (bool, error)
}

// OpenDriver opens the existing policy store named by driver. For sqlite
// the dsn is a file path; for postgres it is a libpq connection string or
// URL. A SQLite file that does not exist is SOURCE_UNAVAILABLE, never an
// empty store.
func OpenDriver(ctx context.Context, driver, dsn string) (Editor, error) {
	return openDriver(ctx, driver, dsn, false)
}

// CreateDriver is OpenDriver for rule editing: a missing SQLite file is
// created with an empty schema.
func CreateDriver(ctx context.Context, driver, dsn string) (Editor, error) {
	return openDriver(ctx, driver, dsn, true)
}

func openDriver(ctx context.Context, driver, dsn string, create bool) (Editor, error) {
	switch driver {
	case DriverSQLite, "":
		open := OpenExisting
		if create {
			open = Open
		}
		s, err := open(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		p, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown policy store driver %q", driver)
	}
}

// Store is the SQLite policy store.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
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

	return &Store{db: db}, nil
}

// OpenExisting is Open for a database file that must already exist.
func OpenExisting(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ir.Errorf(ir.ErrSourceUnavailable, "policy store %s does not exist", path)
		}
		return nil, ir.WrapError(ir.ErrSourceUnavailable, "stat policy store", err)
	}
	return Open(path)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

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

// migrateToV1 adds the per-switch indexes to databases created before
// schema.sql declared them.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tag_table_switch ON tag_table(switch_name, id);
		CREATE INDEX IF NOT EXISTS idx_filter_table_switch ON filter_table(switch_name, id);
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
