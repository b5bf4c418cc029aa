//go:build integration

package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database with no tables
	db := openRaw(t)

	// When: RunMigrations is called
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: The metadata tables exist with their columns
	for _, q := range []string{
		`SELECT scope_id, scope_name, schema, remote_scope_id, last_sync_timestamp,
		        last_server_sync_timestamp, last_sync, last_sync_duration FROM scope_info LIMIT 0`,
		`SELECT scope_id, scope_name, last_sync_timestamp, last_sync, last_sync_duration FROM scope_info_history LIMIT 0`,
		`SELECT id, value FROM sync_clock LIMIT 0`,
	} {
		if _, err := db.Exec(q); err != nil {
			t.Errorf("metadata table missing columns: %v", err)
		}
	}

	// And: the clock is seeded at zero
	var clock int64
	if err := db.QueryRow(`SELECT value FROM sync_clock WHERE id = 1`).Scan(&clock); err != nil {
		t.Fatalf("sync_clock not seeded: %v", err)
	}
	if clock != 0 {
		t.Errorf("sync_clock = %d, want 0", clock)
	}

	v, err := MigrationVersion(db)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("MigrationVersion = %d, want 2", v)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	db := openRaw(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE sync_clock SET value = 41 WHERE id = 1`); err != nil {
		t.Fatal(err)
	}

	// When: RunMigrations is called again
	if err := RunMigrations(db); err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}

	// Then: the clock is preserved
	var clock int64
	if err := db.QueryRow(`SELECT value FROM sync_clock WHERE id = 1`).Scan(&clock); err != nil {
		t.Fatal(err)
	}
	if clock != 41 {
		t.Errorf("sync_clock = %d after re-migration, want 41", clock)
	}
}

func TestPragmas_Applied(t *testing.T) {
	// Given: A new SQLiteStore
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	// Then: WAL mode is enabled
	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode 'wal', got %q", journalMode)
	}

	// Then: foreign_keys is enabled
	var foreignKeys int
	if err := store.db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("expected foreign_keys 1, got %d", foreignKeys)
	}

	// Then: busy_timeout is set to 5000
	var busyTimeout int
	if err := store.db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", busyTimeout)
	}
}

func TestNewSQLiteStore_CreatesParentDirectories(t *testing.T) {
	// Given: A path with non-existent parent directories
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	// When: NewSQLiteStore is called
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store with nested path: %v", err)
	}
	defer store.Close()

	// Then: the file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}
