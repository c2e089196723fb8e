// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertSession records or refreshes an active connection row.
func (s *SqliteStore) UpsertSession(ctx context.Context, sess Session) error {
	now := time.Now().UnixMilli()
	joined := sess.JoinedAt.UnixMilli()
	if sess.JoinedAt.IsZero() {
		joined = now
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO active_sessions (connection_id, user_id, project_id, tab_id, joined_at_ms, last_activity_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET
			user_id = excluded.user_id,
			project_id = excluded.project_id,
			tab_id = excluded.tab_id,
			last_activity_ms = excluded.last_activity_ms`,
		sess.ConnectionID, sess.UserID, sess.ProjectID, sess.TabID, joined, now)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// TouchSession bumps last activity (heartbeat path).
func (s *SqliteStore) TouchSession(ctx context.Context, connectionID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE active_sessions SET last_activity_ms = ? WHERE connection_id = ?`,
		time.Now().UnixMilli(), connectionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a connection row on disconnect.
func (s *SqliteStore) DeleteSession(ctx context.Context, connectionID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE connection_id = ?`, connectionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ClearSessions drops all session rows; used on startup, since rows from a
// previous process are stale by definition.
func (s *SqliteStore) ClearSessions(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM active_sessions`)
	if err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

// SessionsForProject lists persisted sessions for one project.
func (s *SqliteStore) SessionsForProject(ctx context.Context, projectID int64) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT connection_id, user_id, project_id, tab_id, joined_at_ms, last_activity_ms
		 FROM active_sessions WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("sessions for project: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var (
			sess     Session
			joinedMs int64
			actMs    int64
		)
		if err := rows.Scan(&sess.ConnectionID, &sess.UserID, &sess.ProjectID, &sess.TabID, &joinedMs, &actMs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.JoinedAt = time.UnixMilli(joinedMs)
		sess.LastActivity = time.UnixMilli(actMs)
		out = append(out, sess)
	}
	return out, rows.Err()
}
