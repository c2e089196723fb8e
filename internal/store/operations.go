// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuGH/canvashub/internal/metrics"
)

// AppendOperation atomically assigns max(seq)+1 for the project and inserts
// the operation. A lost race against a concurrent append to the same project
// returns ErrConflict; callers inside the project lane retry.
func (s *SqliteStore) AppendOperation(ctx context.Context, projectID, userID int64, tabID, opType string, data, undoData json.RawMessage) (uint64, error) {
	s.maintMu.RLock()
	defer s.maintMu.RUnlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM operations WHERE project_id = ?`,
		projectID).Scan(&next)
	if err != nil {
		if isBusy(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("append: next seq: %w", err)
	}

	var undo any
	if len(undoData) > 0 {
		undo = string(undoData)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO operations (project_id, user_id, tab_id, type, operation_data, undo_data, sequence_number, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, userID, tabID, opType, string(data), undo, next, time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) || isBusy(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("append: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE projects SET last_modified_ms = ? WHERE id = ?`,
		time.Now().UnixMilli(), projectID)
	if err != nil {
		if isBusy(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("append: touch project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("append: commit: %w", err)
	}
	return next, nil
}

// AppendOperationRetry wraps AppendOperation with bounded conflict retries.
func (s *SqliteStore) AppendOperationRetry(ctx context.Context, projectID, userID int64, tabID, opType string, data, undoData json.RawMessage, attempts int) (uint64, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		seq, err := s.AppendOperation(ctx, projectID, userID, tabID, opType, data, undoData)
		if err == nil {
			return seq, nil
		}
		lastErr = err
		if err != ErrConflict {
			return 0, err
		}
		metrics.AppendRetriesTotal.Inc()
	}
	return 0, lastErr
}

// OperationsSince returns ops with seq in (lastSeq, lastSeq+limit], ascending.
func (s *SqliteStore) OperationsSince(ctx context.Context, projectID int64, lastSeq uint64, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, project_id, user_id, tab_id, type, operation_data, undo_data, sequence_number, created_at_ms
		 FROM operations
		 WHERE project_id = ? AND sequence_number > ?
		 ORDER BY sequence_number ASC
		 LIMIT ?`,
		projectID, lastSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("operations since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest persisted sequence number for the project.
func (s *SqliteStore) LatestSeq(ctx context.Context, projectID int64) (uint64, error) {
	var seq uint64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM operations WHERE project_id = ?`,
		projectID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(r rowScanner) (Operation, error) {
	var (
		op        Operation
		data      string
		undo      sql.NullString
		createdMs int64
	)
	if err := r.Scan(&op.ID, &op.ProjectID, &op.UserID, &op.TabID, &op.Type, &data, &undo, &op.Seq, &createdMs); err != nil {
		return Operation{}, fmt.Errorf("scan operation: %w", err)
	}
	op.Data = json.RawMessage(data)
	if undo.Valid {
		op.UndoData = json.RawMessage(undo.String)
	}
	op.CreatedAt = time.UnixMilli(createdMs)
	return op, nil
}
