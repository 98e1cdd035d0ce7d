// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir, "")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(tmpDir, DefaultName)
	if db.Path != dbPath {
		t.Errorf("Path = %q, want %q", db.Path, dbPath)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open("/dev/null/invalid_path/that/cannot/be/created", "x.db")
	if err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestDB_reopen verifies data persists across close and reopen.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := Open(tmpDir, "replica.db")
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}
	if err := Migrate(db1.DB, Migrations()); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if _, err := db1.Exec("UPDATE revision_counter SET value = 7 WHERE id = 1"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := Open(tmpDir, "replica.db")
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer db2.Close()
	if err := Migrate(db2.DB, Migrations()); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	var value int
	if err := db2.QueryRow("SELECT value FROM revision_counter WHERE id = 1").Scan(&value); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if value != 7 {
		t.Errorf("revision counter = %d, want 7", value)
	}
}
