package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Checkpoint forces a WAL checkpoint in TRUNCATE mode, resetting the WAL file.
func Checkpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sqlite: checkpoint failed: %w", err)
	}
	return nil
}

// Vacuum rewrites the database file, reclaiming free pages. Callers must
// quiesce writers first; VACUUM takes an exclusive lock.
func Vacuum(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("sqlite: vacuum failed: %w", err)
	}
	return nil
}

// FileSize returns the current database size in bytes (page_count * page_size).
func FileSize(ctx context.Context, db *sql.DB) (int64, error) {
	var pageCount, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("sqlite: page_count: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("sqlite: page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// FreeBytes returns the reclaimable space in bytes (freelist_count * page_size).
func FreeBytes(ctx context.Context, db *sql.DB) (int64, error) {
	var freeCount, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freeCount); err != nil {
		return 0, fmt.Errorf("sqlite: freelist_count: %w", err)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("sqlite: page_size: %w", err)
	}
	return freeCount * pageSize, nil
}
