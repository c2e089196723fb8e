// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api provides the HTTP surface of canvashub: the REST project and
// upload endpoints, static artifact serving and the collaboration websocket.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/canvashub/internal/config"
	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/media"
	"github.com/ManuGH/canvashub/internal/pipeline"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/transport"
)

// uploadRateLimit caps multipart uploads per client IP.
const (
	uploadRateLimit  = 30
	uploadRateWindow = time.Minute
)

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Store    *store.SqliteStore
	Hub      *hub.SessionRegistry
	Sync     *hub.SyncService
	Pipeline *pipeline.Pipeline
	Media    *media.Registry
	Thumbs   *media.Thumbnailer // nil when ffmpeg is unavailable
}

// Server wires the REST and websocket handlers.
type Server struct {
	cfg    config.Config
	deps   Deps
	wsOpts transport.Options
	logger zerolog.Logger
}

// New creates the server. wsOpts should be derived from the hub and limits
// configuration sections.
func New(cfg config.Config, deps Deps, wsOpts transport.Options) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		wsOpts: wsOpts,
		logger: log.WithComponent("api"),
	}
}

// Routes builds the router with the canonical middleware stack applied.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(corsAllowAll)
	r.Use(tracing)
	r.Use(httpMetrics)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Put("/", s.handleUpdateProject)
			r.Delete("/", s.handleDeleteProject)
			r.Patch("/canvas", s.handlePatchCanvas)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(uploadRateLimit, uploadRateWindow))
		r.Post("/uploads", s.handleUpload)
	})

	r.Get("/database/size", s.handleDatabaseSize)
	r.Post("/database/cleanup", s.handleCleanup)

	r.Get("/uploads/{name}", s.handleServeBlob)
	r.Get("/uploads/transcoded/{name}", s.handleServeTranscoded)
	r.Get("/thumbnails/{size}/{name}", s.handleServeThumb)

	r.Get("/ws", s.handleWS)

	return r
}
