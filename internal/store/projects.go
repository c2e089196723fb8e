// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// CreateProject inserts a new project owned by ownerID.
func (s *SqliteStore) CreateProject(ctx context.Context, name string, ownerID int64, description string) (Project, error) {
	now := time.Now()
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO projects (name, owner_id, description, last_modified_ms) VALUES (?, ?, ?, ?)`,
		name, ownerID, description, now.UnixMilli())
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Project{}, fmt.Errorf("create project: id: %w", err)
	}
	return Project{ID: id, Name: name, OwnerID: ownerID, Description: description, LastModified: now}, nil
}

// GetProject loads one project with its snapshot blob.
func (s *SqliteStore) GetProject(ctx context.Context, id int64) (Project, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, owner_id, description, canvas_data, nav_state, last_saved_seq, last_modified_ms
		 FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns all projects without snapshot blobs, newest first.
func (s *SqliteStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, owner_id, description, NULL, nav_state, last_saved_seq, last_modified_ms
		 FROM projects ORDER BY last_modified_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject renames a project and/or replaces its description.
func (s *SqliteStore) UpdateProject(ctx context.Context, id int64, name, description string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, last_modified_ms = ? WHERE id = ?`,
		name, description, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRow(res)
}

// DeleteProject removes a project; operations and collaborator rows cascade.
func (s *SqliteStore) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireRow(res)
}

// AddCollaborator records that a user has joined a project at least once.
func (s *SqliteStore) AddCollaborator(ctx context.Context, projectID, userID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO project_collaborators (project_id, user_id) VALUES (?, ?)`,
		projectID, userID)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

// Collaborators lists user ids that ever joined the project.
func (s *SqliteStore) Collaborators(ctx context.Context, projectID int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT user_id FROM project_collaborators WHERE project_id = ? ORDER BY user_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("collaborators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveSnapshot persists the canvas blob together with the op-log position it
// reflects.
func (s *SqliteStore) SaveSnapshot(ctx context.Context, projectID int64, blob []byte, upToSeq uint64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE projects SET canvas_data = ?, last_saved_seq = ?, last_modified_ms = ? WHERE id = ?`,
		blob, upToSeq, time.Now().UnixMilli(), projectID)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return requireRow(res)
}

// LoadSnapshot returns the persisted canvas blob and its save marker.
// A nil blob means the project has never been saved.
func (s *SqliteStore) LoadSnapshot(ctx context.Context, projectID int64) ([]byte, uint64, error) {
	var (
		blob    []byte
		savedAt uint64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT canvas_data, last_saved_seq FROM projects WHERE id = ?`, projectID).
		Scan(&blob, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	return blob, savedAt, nil
}

// navPatchAllowlist names the only navigation-state fields the PATCH
// endpoint may touch, with their validators.
var navPatchAllowlist = map[string]func(json.RawMessage) error{
	"scale": func(v json.RawMessage) error {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("scale: %w", err)
		}
		if !(f > 0 && f <= 10) {
			return fmt.Errorf("scale %g outside (0, 10]", f)
		}
		return nil
	},
	"offset": func(v json.RawMessage) error {
		var o [2]float64
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("offset: %w", err)
		}
		if math.IsNaN(o[0]) || math.IsInf(o[0], 0) || math.IsNaN(o[1]) || math.IsInf(o[1], 0) {
			return fmt.Errorf("offset must be finite")
		}
		return nil
	},
	"timestamp": func(v json.RawMessage) error {
		var ts float64
		if err := json.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if ts <= 0 {
			return fmt.Errorf("timestamp must be positive")
		}
		return nil
	},
}

// PatchNavState applies one allowlisted field update to the project's
// navigation state document.
func (s *SqliteStore) PatchNavState(ctx context.Context, projectID int64, path string, value json.RawMessage) error {
	check, ok := navPatchAllowlist[path]
	if !ok {
		return fmt.Errorf("%w: %q", ErrPathNotAllowed, path)
	}
	if err := check(value); err != nil {
		return fmt.Errorf("%w: %v", ErrPathNotAllowed, err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("patch nav state: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT nav_state FROM projects WHERE id = ?`, projectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("patch nav state: read: %w", err)
	}

	doc := map[string]json.RawMessage{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &doc); err != nil {
			return fmt.Errorf("patch nav state: corrupt document: %w", err)
		}
	}
	doc[path] = value

	updated, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("patch nav state: marshal: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET nav_state = ?, last_modified_ms = ? WHERE id = ?`,
		string(updated), time.Now().UnixMilli(), projectID); err != nil {
		return fmt.Errorf("patch nav state: write: %w", err)
	}
	return tx.Commit()
}

func scanProject(r rowScanner) (Project, error) {
	var (
		p          Project
		canvasData []byte
		navState   sql.NullString
		modifiedMs int64
	)
	err := r.Scan(&p.ID, &p.Name, &p.OwnerID, &p.Description, &canvasData, &navState, &p.LastSavedSeq, &modifiedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.CanvasData = canvasData
	if navState.Valid {
		p.NavState = []byte(navState.String)
	}
	p.LastModified = time.UnixMilli(modifiedMs)
	return p, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
