package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// journalPragmas are applied to the journal connection on open. want is the
// value SQLite reports back once the pragma is in effect.
var journalPragmas = []struct {
	name, set, want string
}{
	{"journal_mode", "WAL", "wal"},   // trace and replay read while ingest writes
	{"synchronous", "NORMAL", "1"},   // a crash may lose the last payloads, never corrupt the log
	{"busy_timeout", "5000", "5000"}, // a second CLI process waits instead of failing
	{"foreign_keys", "ON", "1"},      // envelopes must reference a journaled payload
}

// migration upgrades a journal written by an older build. New journals get
// the same objects from schema.sql; migrations only catch up old files.
type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{1, "outbox status index", `CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status, seq)`},
	{2, "envelope field index", `CREATE INDEX IF NOT EXISTS idx_envelopes_field ON envelopes(kind, field, seq)`},
}

// currentSchemaVersion is the user_version of a fully migrated journal.
var currentSchemaVersion = migrations[len(migrations)-1].version

// Store is the SQLite journal of one mirror: payloads, envelopes and the
// mutation outbox.
type Store struct {
	db *sql.DB
}

// Open opens the journal at path, creating it if needed, and brings its
// schema up to date. Opening an existing journal is safe and changes
// nothing but missing migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The mirror journals from a single writer; one connection keeps
	// SQLITE_BUSY out of the write path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, p := range journalPragmas {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.set)); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", p.name, err)
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return s.migrate()
}

// migrate runs every migration newer than the journal's user_version. Each
// step commits together with its version bump, so an interrupted upgrade
// resumes where it stopped.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read journal version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: set version: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		version = m.version
	}
	return nil
}

// Close closes the journal. Safe on a zero Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// pragma reads the current value of a pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}

// verifyPragmas checks that every journal pragma is in effect.
func (s *Store) verifyPragmas() error {
	for _, p := range journalPragmas {
		got, err := s.pragma(p.name)
		if err != nil {
			return err
		}
		if got != p.want {
			return fmt.Errorf("%s = %q, want %q", p.name, got, p.want)
		}
	}
	return nil
}
