package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/roach88/switchsync/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if _, err := s1.InsertFilterRule(context.Background(), "s11", 10); err != nil {
		t.Fatalf("InsertFilterRule() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM filter_table").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("filter_table has %d rows after reopen, want 1", count)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"tag_table", "filter_table"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/rules.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpenDriver_UnknownDriver(t *testing.T) {
	_, err := OpenDriver(context.Background(), "mysql", "x")
	if err == nil {
		t.Error("expected error for unknown driver, got nil")
	}
}

func TestOpenDriver_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")
	seed, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	seed.Close()

	ed, err := OpenDriver(context.Background(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("OpenDriver() failed: %v", err)
	}
	defer ed.Close()

	if err := ed.Ping(context.Background()); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}

func TestOpenDriver_MissingSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo-rules.db")

	ed, err := OpenDriver(context.Background(), DriverSQLite, path)
	if err == nil {
		ed.Close()
		t.Fatal("expected error for a missing database file, got nil")
	}
	if !ir.IsCode(err, ir.ErrSourceUnavailable) {
		t.Errorf("expected SOURCE_UNAVAILABLE, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("OpenDriver must not create %s", path)
	}
}

func TestCreateDriver_CreatesSQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")

	ed, err := CreateDriver(context.Background(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("CreateDriver() failed: %v", err)
	}
	defer ed.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	again, err := OpenDriver(context.Background(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("OpenDriver() after create failed: %v", err)
	}
	again.Close()
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPing_AfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.Close()

	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() after Close() should fail")
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	pragmas := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1", // NORMAL
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, want := range pragmas {
		if err := s.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestSchema_Tables(t *testing.T) {
	s := createTestStore(t)

	tests := map[string][]string{
		"tag_table":    {"id", "switch_name", "match", "tag_value"},
		"filter_table": {"id", "switch_name", "tag_value"},
	}
	for table, expected := range tests {
		columns := getTableColumns(t, s.db, table)
		for _, col := range expected {
			if !slices.Contains(columns, col) {
				t.Errorf("%s missing column %q", table, col)
			}
		}
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)

	if !slices.Contains(getTableIndexes(t, s.db, "tag_table"), "idx_tag_table_switch") {
		t.Error("tag_table missing index idx_tag_table_switch")
	}
	if !slices.Contains(getTableIndexes(t, s.db, "filter_table"), "idx_filter_table_switch") {
		t.Error("filter_table missing index idx_filter_table_switch")
	}
}

func TestConstraint_NegativeTagValue(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO filter_table (switch_name, tag_value) VALUES ('s11', -1)`)
	if err == nil {
		t.Error("expected CHECK constraint violation for negative tag_value")
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}
