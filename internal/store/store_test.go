package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

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

	for _, table := range []string{"payloads", "envelopes", "mutations"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	if err := s.verifyPragmas(); err != nil {
		t.Error(err)
	}
	mode, err := s.pragma("journal_mode")
	if err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestSchema_Columns(t *testing.T) {
	s := createTestStore(t)

	tables := map[string][]string{
		"payloads":  {"id", "seq", "session", "kind", "entity_id", "container", "fragment", "removed"},
		"envelopes": {"id", "seq", "payload_id", "kind", "entity_id", "field", "old_value", "new_value"},
		"mutations": {"id", "seq", "kind", "source_id", "container", "same_container", "fields", "status"},
	}
	for table, expected := range tables {
		columns := getTableColumns(t, s.db, table)
		for _, col := range expected {
			if !slices.Contains(columns, col) {
				t.Errorf("%s table missing column %q", table, col)
			}
		}
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)

	tables := map[string][]string{
		"payloads":  {"idx_payloads_entity"},
		"envelopes": {"idx_envelopes_entity", "idx_envelopes_field"},
		"mutations": {"idx_mutations_status"},
	}
	for table, expected := range tables {
		indexes := getTableIndexes(t, s.db, table)
		for _, idx := range expected {
			if !slices.Contains(indexes, idx) {
				t.Errorf("%s table missing index %q", table, idx)
			}
		}
	}
}

func TestSchema_UserVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestConstraint_EnvelopeRequiresPayload(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO envelopes (id, seq, payload_id, kind, entity_id, field, old_value, new_value)
		VALUES ('env1', 1, 'missing', 'text_channel', 42, 'name', 'null', '"a"')
	`)
	if err == nil {
		t.Error("expected foreign key violation for envelope without payload")
	}
}

func TestConstraint_PayloadSeqUnique(t *testing.T) {
	s := createTestStore(t)

	insert := `
		INSERT INTO payloads (id, seq, session, kind, entity_id, container, fragment, removed)
		VALUES (?, 1, 'session', 'text_channel', 42, 1, '{}', 0)
	`
	if _, err := s.db.Exec(insert, "p1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := s.db.Exec(insert, "p2"); err == nil {
		t.Error("expected UNIQUE violation for duplicate payload seq")
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

func TestMigrate_UpgradesOldJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	// Roll the file back to a v0 journal without the migrated indexes.
	for _, stmt := range []string{
		"DROP INDEX idx_mutations_status",
		"DROP INDEX idx_envelopes_field",
		"PRAGMA user_version = 0",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	s.Close()

	// schema.sql recreates missing indexes too, so check the version and
	// that a second open is a no-op.
	for i := 0; i < 2; i++ {
		s, err = Open(path)
		if err != nil {
			t.Fatalf("reopen %d failed: %v", i, err)
		}
		var version int
		if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
			t.Fatal(err)
		}
		if version != currentSchemaVersion {
			t.Errorf("reopen %d: user_version = %d, want %d", i, version, currentSchemaVersion)
		}
		if !slices.Contains(getTableIndexes(t, s.db, "envelopes"), "idx_envelopes_field") {
			t.Errorf("reopen %d: idx_envelopes_field missing", i)
		}
		s.Close()
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	for i, m := range migrations {
		if m.version != i+1 {
			t.Errorf("migration %q has version %d, want %d", m.name, m.version, i+1)
		}
	}
	if currentSchemaVersion != len(migrations) {
		t.Errorf("currentSchemaVersion = %d, want %d", currentSchemaVersion, len(migrations))
	}
}
