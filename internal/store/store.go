// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store persists the authoritative collaboration state: users,
// projects, the append-only operation log, file metadata and active sessions.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an append lost the per-project sequence
	// race; callers retry inside the project lane.
	ErrConflict = errors.New("store: sequence conflict")

	// ErrPathNotAllowed is returned for snapshot patch paths outside the
	// allowlist.
	ErrPathNotAllowed = errors.New("store: patch path not allowed")

	// ErrMaintenance is returned when a write arrives while an exclusive
	// maintenance phase holds the store.
	ErrMaintenance = errors.New("store: maintenance in progress")
)

// User is a registered collaborator, created on first join.
type User struct {
	ID          int64
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Project is a shared canvas document.
type Project struct {
	ID           int64
	Name         string
	OwnerID      int64
	Description  string
	CanvasData   []byte // serialized canvas.Snapshot, nil until first save
	NavState     []byte // navigation state JSON, patched via PatchNavState
	LastSavedSeq uint64 // op log position CanvasData reflects
	LastModified time.Time
}

// Operation is one accepted, sequenced mutation.
type Operation struct {
	ID        int64
	ProjectID int64
	UserID    int64
	TabID     string
	Type      string
	Data      json.RawMessage
	UndoData  json.RawMessage
	Seq       uint64
	CreatedAt time.Time
}

// File is a content-addressed stored artifact.
type File struct {
	ID           int64
	StoredName   string
	OriginalName string
	Mime         string
	Size         int64
	Hash         string
	ProjectID    int64 // 0 when not bound to a project
}

// Session is a persisted connection row, used for crash recovery audits.
type Session struct {
	ConnectionID string
	UserID       int64
	ProjectID    int64
	TabID        string
	JoinedAt     time.Time
	LastActivity time.Time
}

// CleanupReport summarizes one maintenance pass.
type CleanupReport struct {
	OrphanedFiles []string // stored names whose blobs can be deleted
	RemovedRows   int64
	FreedBytes    int64
	Vacuumed      bool
}
