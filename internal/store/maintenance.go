// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/persistence/sqlite"
)

// vacuumThreshold is the reclaimable fraction above which cleanup runs VACUUM.
const vacuumThreshold = 0.25

// Cleanup runs the maintenance phase: orphaned file rows are removed, the WAL
// is checkpointed, and the database is vacuumed when enough space is
// reclaimable. The exclusive maintenance lock briefly queues new appends; the
// lock is held only for row sweeping and the checkpoint, never for VACUUM.
func (s *SqliteStore) Cleanup(ctx context.Context) (CleanupReport, error) {
	logger := log.WithComponent("store")
	var report CleanupReport

	s.maintMu.Lock()
	orphans, removed, err := s.sweepOrphanedFiles(ctx)
	if err != nil {
		s.maintMu.Unlock()
		return report, err
	}
	report.OrphanedFiles = orphans
	report.RemovedRows = removed

	if err := sqlite.Checkpoint(ctx, s.DB); err != nil {
		s.maintMu.Unlock()
		return report, err
	}
	s.maintMu.Unlock()

	total, err := sqlite.FileSize(ctx, s.DB)
	if err != nil {
		return report, err
	}
	free, err := sqlite.FreeBytes(ctx, s.DB)
	if err != nil {
		return report, err
	}
	report.FreedBytes = free

	if total > 0 && float64(free)/float64(total) > vacuumThreshold {
		logger.Info().
			Int64("free_bytes", free).
			Int64("total_bytes", total).
			Str("event", "store.vacuum_start").
			Msg("reclaimable space above threshold, running VACUUM")
		if err := sqlite.Vacuum(ctx, s.DB); err != nil {
			return report, err
		}
		report.Vacuumed = true
	}

	logger.Info().
		Int64("removed_rows", report.RemovedRows).
		Int("orphaned_files", len(report.OrphanedFiles)).
		Bool("vacuumed", report.Vacuumed).
		Str("event", "store.cleanup_done").
		Msg("maintenance pass complete")
	return report, nil
}

// sweepOrphanedFiles removes file rows whose hash is referenced by no project
// snapshot. Node media references carry the hash inside properties, so a
// substring scan over canvas_data is sufficient and avoids parsing every
// snapshot.
func (s *SqliteStore) sweepOrphanedFiles(ctx context.Context) ([]string, int64, error) {
	files, err := s.ListFiles(ctx)
	if err != nil {
		return nil, 0, err
	}
	if len(files) == 0 {
		return nil, 0, nil
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT canvas_data FROM projects WHERE canvas_data IS NOT NULL`)
	if err != nil {
		return nil, 0, fmt.Errorf("cleanup: read snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []string
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, 0, err
		}
		snapshots = append(snapshots, string(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var (
		orphans []string
		removed int64
	)
	for _, f := range files {
		referenced := false
		for _, snap := range snapshots {
			if strings.Contains(snap, f.Hash) {
				referenced = true
				break
			}
		}
		if referenced {
			continue
		}
		res, err := s.DB.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, f.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("cleanup: delete file %d: %w", f.ID, err)
		}
		n, _ := res.RowsAffected()
		removed += n
		orphans = append(orphans, f.StoredName)
	}
	return orphans, removed, nil
}

// DatabaseSize reports the database file size in bytes.
func (s *SqliteStore) DatabaseSize(ctx context.Context) (int64, error) {
	return sqlite.FileSize(ctx, s.DB)
}

// Checkpoint forces a WAL checkpoint, used during shutdown.
func (s *SqliteStore) Checkpoint(ctx context.Context) error {
	s.maintMu.Lock()
	defer s.maintMu.Unlock()
	return sqlite.Checkpoint(ctx, s.DB)
}
