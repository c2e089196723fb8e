// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"
	"os"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/version"
)

type healthBody struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Features []canvas.OpType `json:"features"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:   "ok",
		Version:  version.Version,
		Features: canvas.RegisteredTypes(),
	})
}

func (s *Server) handleDatabaseSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.deps.Store.DatabaseSize(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "size query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"bytes": size})
}

type cleanupBody struct {
	OrphanedFiles []string `json:"orphanedFiles"`
	RemovedRows   int64    `json:"removedRows"`
	RemovedBlobs  int      `json:"removedBlobs"`
	FreedBytes    int64    `json:"freedBytes"`
	Vacuumed      bool     `json:"vacuumed"`
}

// handleCleanup runs the maintenance pass: orphaned metadata rows are swept,
// then their blobs are deleted from disk. Deployments that schedule cleanup
// externally disable the endpoint via store.cleanup_on_demand.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Store.CleanupOnDemand {
		writeError(w, r, http.StatusForbidden, "on-demand cleanup is disabled")
		return
	}
	report, err := s.deps.Store.Cleanup(r.Context())
	if err != nil {
		logger := log.FromContext(r.Context())
		logger.Error().Err(err).Msg("cleanup failed")
		writeError(w, r, http.StatusInternalServerError, "cleanup failed")
		return
	}

	removedBlobs := 0
	for _, name := range report.OrphanedFiles {
		path, err := s.deps.Media.BlobPath(name)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err == nil {
			removedBlobs++
		}
	}

	writeJSON(w, http.StatusOK, cleanupBody{
		OrphanedFiles: report.OrphanedFiles,
		RemovedRows:   report.RemovedRows,
		RemovedBlobs:  removedBlobs,
		FreedBytes:    report.FreedBytes,
		Vacuumed:      report.Vacuumed,
	})
}
