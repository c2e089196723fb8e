// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/ManuGH/canvashub/internal/persistence/sqlite"
)

const schemaVersion = 2

// SqliteStore implements durable persistence on SQLite.
//
// Concurrency: database/sql serializes access per connection and SQLite runs
// in WAL mode, so reads proceed during writes. Per-project append ordering is
// the hub's job; the store only guarantees that a lost sequence race surfaces
// as ErrConflict. maintMu gates the exclusive maintenance phase: appends take
// it shared, cleanup/VACUUM take it exclusively.
type SqliteStore struct {
	DB      *sql.DB
	maintMu sync.RWMutex
}

// NewSqliteStore opens (and migrates) the database at dbPath.
func NewSqliteStore(dbPath string, cfg sqlite.Config) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, cfg)
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		owner_id INTEGER NOT NULL REFERENCES users(id),
		description TEXT NOT NULL DEFAULT '',
		canvas_data BLOB,
		nav_state TEXT,
		last_saved_seq INTEGER NOT NULL DEFAULT 0,
		last_modified_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_collaborators (
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id),
		PRIMARY KEY (project_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL,
		tab_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		operation_data TEXT NOT NULL,
		undo_data TEXT,
		sequence_number INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL,
		UNIQUE (project_id, sequence_number)
	);

	CREATE INDEX IF NOT EXISTS idx_operations_project_seq
		ON operations(project_id, sequence_number);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL,
		mime TEXT NOT NULL,
		size INTEGER NOT NULL,
		hash TEXT NOT NULL UNIQUE,
		project_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS active_sessions (
		connection_id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		project_id INTEGER NOT NULL,
		tab_id TEXT NOT NULL DEFAULT '',
		joined_at_ms INTEGER NOT NULL,
		last_activity_ms INTEGER NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if currentVersion > 0 && currentVersion < 2 {
		_, _ = tx.Exec("ALTER TABLE projects ADD COLUMN nav_state TEXT")
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation matches SQLite's constraint error text; modernc surfaces
// it as a plain error string.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy matches lock contention, including WAL snapshot upgrades that fail
// with SQLITE_BUSY before the busy handler can run.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
