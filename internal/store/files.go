// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RegisterFile records a stored artifact, idempotently on hash. Re-upload of
// a known hash returns the existing record with created=false.
func (s *SqliteStore) RegisterFile(ctx context.Context, f File) (File, bool, error) {
	existing, err := s.FileByHash(ctx, f.Hash)
	switch {
	case err == nil:
		return existing, false, nil
	case errors.Is(err, ErrNotFound):
	default:
		return File{}, false, err
	}

	var projectID any
	if f.ProjectID != 0 {
		projectID = f.ProjectID
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO files (filename, original_name, mime, size, hash, project_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.StoredName, f.OriginalName, f.Mime, f.Size, f.Hash, projectID)
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent upload of the same content; the winner's row stands.
			existing, err2 := s.FileByHash(ctx, f.Hash)
			if err2 != nil {
				return File{}, false, err2
			}
			return existing, false, nil
		}
		return File{}, false, fmt.Errorf("register file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return File{}, false, fmt.Errorf("register file: id: %w", err)
	}
	f.ID = id
	return f, true, nil
}

// FileByHash resolves a file record by its content hash.
func (s *SqliteStore) FileByHash(ctx context.Context, hash string) (File, error) {
	return scanFile(s.DB.QueryRowContext(ctx,
		`SELECT id, filename, original_name, mime, size, hash, COALESCE(project_id, 0)
		 FROM files WHERE hash = ?`, hash))
}

// FileByStoredName resolves a file record by its on-disk name.
func (s *SqliteStore) FileByStoredName(ctx context.Context, name string) (File, error) {
	return scanFile(s.DB.QueryRowContext(ctx,
		`SELECT id, filename, original_name, mime, size, hash, COALESCE(project_id, 0)
		 FROM files WHERE filename = ?`, name))
}

// ListFiles returns every registered file.
func (s *SqliteStore) ListFiles(ctx context.Context) ([]File, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, filename, original_name, mime, size, hash, COALESCE(project_id, 0) FROM files`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFile(r rowScanner) (File, error) {
	var f File
	err := r.Scan(&f.ID, &f.StoredName, &f.OriginalName, &f.Mime, &f.Size, &f.Hash, &f.ProjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("scan file: %w", err)
	}
	return f, nil
}
