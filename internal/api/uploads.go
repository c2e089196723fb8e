// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/media"
	"github.com/ManuGH/canvashub/internal/store"
)

// multipartMemory is the in-memory threshold for multipart parsing; larger
// parts spill to temp files.
const multipartMemory = 8 << 20

// handleUpload ingests one multipart file content-addressed. A declared hash
// that is already stored short-circuits to the existing artifact.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.Media.MaxUploadBytes
	if maxBytes > 0 {
		// Headroom for the multipart framing around the payload.
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	var projectID int64
	if raw := r.FormValue("projectId"); raw != "" {
		projectID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || projectID < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid projectId")
			return
		}
	}

	res, err := s.deps.Media.Ingest(r.Context(), file,
		header.Filename,
		header.Header.Get("Content-Type"),
		r.FormValue("hash"),
		projectID)
	switch {
	case errors.Is(err, media.ErrTooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	case errors.Is(err, media.ErrHashMismatch):
		writeError(w, r, http.StatusUnprocessableEntity, "declared hash does not match content")
		return
	case err != nil:
		logger := log.FromContext(r.Context())
		logger.Error().Err(err).Msg("ingest failed")
		writeError(w, r, http.StatusInternalServerError, "ingest failed")
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// handleServeBlob serves a stored blob. Content is immutable per stored name,
// so the hash doubles as a strong ETag.
func (s *Server) handleServeBlob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := s.deps.Media.BlobPath(name)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "invalid name")
		return
	}

	rec, err := s.deps.Store.FileByStoredName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
		return
	}

	etag := `"` + rec.Hash + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if rec.Mime != "" {
		w.Header().Set("Content-Type", rec.Mime)
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}

// handleServeTranscoded serves a derived video transcode. Outputs are
// regenerated under the same name, so caching keys off the file mtime.
func (s *Server) handleServeTranscoded(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := s.deps.Media.TranscodedPath(name)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "invalid name")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, path)
}

func (s *Server) handleServeThumb(w http.ResponseWriter, r *http.Request) {
	if s.deps.Thumbs == nil {
		writeError(w, r, http.StatusNotFound, "thumbnails unavailable")
		return
	}
	size, err := strconv.Atoi(chi.URLParam(r, "size"))
	if err != nil || !validThumbSize(size) {
		writeError(w, r, http.StatusBadRequest, "unsupported thumbnail size")
		return
	}
	name := chi.URLParam(r, "name")
	if _, err := s.deps.Media.BlobPath(name); err != nil {
		writeError(w, r, http.StatusForbidden, "invalid name")
		return
	}

	path := s.deps.Thumbs.Path(size, name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}

func validThumbSize(size int) bool {
	for _, s := range media.ThumbSizes {
		if s == size {
			return true
		}
	}
	return false
}
