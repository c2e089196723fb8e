// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureUser returns the user with the given username, creating it on first
// join. The display name is refreshed when it changed client-side.
func (s *SqliteStore) EnsureUser(ctx context.Context, username, displayName string) (User, error) {
	if username == "" {
		return User{}, fmt.Errorf("ensure user: %w: empty username", ErrNotFound)
	}
	if displayName == "" {
		displayName = username
	}

	u, err := s.userByUsername(ctx, username)
	switch {
	case err == nil:
		if u.DisplayName != displayName {
			_, err = s.DB.ExecContext(ctx,
				`UPDATE users SET display_name = ? WHERE id = ?`, displayName, u.ID)
			if err != nil {
				return User{}, fmt.Errorf("ensure user: update: %w", err)
			}
			u.DisplayName = displayName
		}
		return u, nil
	case errors.Is(err, ErrNotFound):
		now := time.Now()
		res, err := s.DB.ExecContext(ctx,
			`INSERT INTO users (username, display_name, created_at_ms) VALUES (?, ?, ?)`,
			username, displayName, now.UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				// Concurrent first join: someone else inserted; read it back.
				return s.userByUsername(ctx, username)
			}
			return User{}, fmt.Errorf("ensure user: insert: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return User{}, fmt.Errorf("ensure user: id: %w", err)
		}
		return User{ID: id, Username: username, DisplayName: displayName, CreatedAt: now}, nil
	default:
		return User{}, err
	}
}

// UserByID resolves a user id.
func (s *SqliteStore) UserByID(ctx context.Context, id int64) (User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, username, display_name, created_at_ms FROM users WHERE id = ?`, id))
}

func (s *SqliteStore) userByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, username, display_name, created_at_ms FROM users WHERE username = ?`, username))
}

func (s *SqliteStore) scanUser(row *sql.Row) (User, error) {
	var (
		u         User
		createdMs int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdMs)
	return u, nil
}
