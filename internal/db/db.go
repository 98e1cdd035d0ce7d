// Package db provides database connection management and operations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultName is the database file name used when none is configured.
const DefaultName = "notesync.db"

// DB wraps the sql.DB with notesync-specific configuration.
type DB struct {
	*sql.DB
	// Path is the database file, also used to scope locks and broadcast
	// topics between replicas sharing it.
	Path string
}

// Open opens a SQLite database under dataDir.
// The database is opened with:
// - WAL mode so follower processes can read while the leader writes
// - Foreign key constraints enabled
// - A single connection, which serializes writers within the process
func Open(dataDir, name string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if name == "" {
		name = DefaultName
	}
	dbPath := filepath.Join(dataDir, name)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{DB: db, Path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
