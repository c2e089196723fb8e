// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/canvashub/internal/store"
)

// projectBody is the REST representation of a project. The snapshot blob is
// deliberately absent; clients receive canvas state over the websocket.
type projectBody struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	OwnerID      int64           `json:"ownerId"`
	NavState     json.RawMessage `json:"navState,omitempty"`
	LastSavedSeq uint64          `json:"lastSavedSeq"`
	LastModified time.Time       `json:"lastModified"`
}

func toProjectBody(p store.Project) projectBody {
	return projectBody{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		OwnerID:      p.OwnerID,
		NavState:     p.NavState,
		LastSavedSeq: p.LastSavedSeq,
		LastModified: p.LastModified,
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "list projects failed")
		return
	}
	out := make([]projectBody, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectBody(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Name == "" || req.Username == "" {
		writeError(w, r, http.StatusBadRequest, "name and username are required")
		return
	}

	owner, err := s.deps.Store.EnsureUser(r.Context(), req.Username, req.DisplayName)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "resolve owner failed")
		return
	}
	p, err := s.deps.Store.CreateProject(r.Context(), req.Name, owner.ID, req.Description)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "create project failed")
		return
	}
	writeJSON(w, http.StatusCreated, toProjectBody(p))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Store.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "load project failed")
		return
	}
	writeJSON(w, http.StatusOK, toProjectBody(p))
}

type updateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	var req updateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	err := s.deps.Store.UpdateProject(r.Context(), id, req.Name, req.Description)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "update project failed")
		return
	}
	p, err := s.deps.Store.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "load project failed")
		return
	}
	writeJSON(w, http.StatusOK, toProjectBody(p))
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	err := s.deps.Store.DeleteProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "delete project failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type navPatchRequest struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// handlePatchCanvas applies one allowlisted navigation-state update. The
// canvas content itself is only mutated through the operation pipeline.
func (s *Server) handlePatchCanvas(w http.ResponseWriter, r *http.Request) {
	id, ok := projectIDParam(w, r)
	if !ok {
		return
	}
	var req navPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Path == "" || len(req.Value) == 0 {
		writeError(w, r, http.StatusBadRequest, "path and value are required")
		return
	}

	err := s.deps.Store.PatchNavState(r.Context(), id, req.Path, req.Value)
	switch {
	case errors.Is(err, store.ErrPathNotAllowed):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "project not found")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "patch failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func projectIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}
