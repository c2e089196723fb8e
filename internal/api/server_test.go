// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/config"
	"github.com/ManuGH/canvashub/internal/dedup"
	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/media"
	"github.com/ManuGH/canvashub/internal/persistence/sqlite"
	"github.com/ManuGH/canvashub/internal/pipeline"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/transport"
)

type testEnv struct {
	ts       *httptest.Server
	store    *store.SqliteStore
	mediaDir string
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSqliteStore(filepath.Join(dir, "api.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hubReg := hub.NewSessionRegistry(st, 64)
	mediaDir := filepath.Join(dir, "uploads")
	reg, err := media.NewRegistry(mediaDir, 10<<20, st, nil, nil, nil, hubReg)
	require.NoError(t, err)

	pipe := pipeline.New(st, dedup.NewMemory(time.Minute), nil, pipeline.Config{MaxOpBytes: 1 << 20})

	cfg := config.Defaults()
	cfg.Media.MaxUploadBytes = 10 << 20
	for _, m := range mutate {
		m(&cfg)
	}

	srv := New(cfg, Deps{
		Store:    st,
		Hub:      hubReg,
		Sync:     hub.NewSyncService(st),
		Pipeline: pipe,
		Media:    reg,
	}, transport.DefaultOptions())

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: st, mediaDir: mediaDir}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) createProject(t *testing.T, name string) projectBody {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/projects", map[string]string{
		"name":     name,
		"username": "alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[projectBody](t, resp)
}

func TestProjectCRUD(t *testing.T) {
	e := newTestEnv(t)

	p := e.createProject(t, "board")
	assert.NotZero(t, p.ID)
	assert.Equal(t, "board", p.Name)

	resp := e.request(t, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]projectBody](t, resp)
	require.Len(t, list, 1)

	resp = e.request(t, http.MethodPut, fmt.Sprintf("/projects/%d", p.ID), map[string]string{
		"name":        "renamed",
		"description": "now with a description",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[projectBody](t, resp)
	assert.Equal(t, "renamed", updated.Name)

	resp = e.request(t, http.MethodDelete, fmt.Sprintf("/projects/%d", p.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = e.request(t, http.MethodGet, fmt.Sprintf("/projects/%d", p.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestProjectValidation(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodPost, "/projects", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/projects/nope", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = e.request(t, http.MethodGet, "/projects/424242", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestNavStatePatch(t *testing.T) {
	e := newTestEnv(t)
	p := e.createProject(t, "board")
	patchURL := fmt.Sprintf("/projects/%d/canvas", p.ID)

	resp := e.request(t, http.MethodPatch, patchURL, map[string]any{
		"path":  "scale",
		"value": 1.5,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = e.request(t, http.MethodPatch, patchURL, map[string]any{
		"path":  "nodes",
		"value": []int{1, 2},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	resp = e.request(t, http.MethodPatch, patchURL, map[string]any{
		"path":  "scale",
		"value": 99,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	ctx := context.Background()
	loaded, err := e.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scale":1.5}`, string(loaded.NavState))
}

func uploadFile(t *testing.T, e *testEnv, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/uploads", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestUploadAndServe(t *testing.T) {
	e := newTestEnv(t)
	content := []byte("png-bytes-for-upload")

	resp := uploadFile(t, e, "drawing.png", content)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeBody[media.IngestResult](t, resp)
	assert.Len(t, res.Hash, 64)
	assert.Equal(t, int64(len(content)), res.Size)

	// Same content again dedupes to the existing artifact.
	resp = uploadFile(t, e, "copy.png", content)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decodeBody[media.IngestResult](t, resp)
	assert.Equal(t, res.Hash, dup.Hash)

	get, err := e.ts.Client().Get(e.ts.URL + res.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	_ = get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, content, body)
	etag := get.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+res.URL, nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	cached, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	_ = cached.Body.Close()
	assert.Equal(t, http.StatusNotModified, cached.StatusCode)
}

func TestServeBlobRejectsUnknownAndTraversal(t *testing.T) {
	e := newTestEnv(t)

	resp, err := e.ts.Client().Get(e.ts.URL + "/uploads/ghost.png")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = e.ts.Client().Get(e.ts.URL + "/uploads/..%2Fapi.db")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestServeTranscoded(t *testing.T) {
	e := newTestEnv(t)
	dir := filepath.Join(e.mediaDir, "transcoded")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	payload := []byte("mp4-bytes")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), payload, 0o640))

	resp, err := e.ts.Client().Get(e.ts.URL + "/uploads/transcoded/clip.mp4")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	resp, err = e.ts.Client().Get(e.ts.URL + "/uploads/transcoded/ghost.mp4")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Only .mp4 outputs exist; anything else is refused outright.
	resp, err = e.ts.Client().Get(e.ts.URL + "/uploads/transcoded/evil.txt")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[healthBody](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Version)
	assert.Contains(t, body.Features, canvas.OpNodeCreate)
	assert.Contains(t, body.Features, canvas.OpTransaction)
}

func TestDatabaseMaintenanceEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.createProject(t, "board")

	resp := e.request(t, http.MethodGet, "/database/size", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	size := decodeBody[map[string]int64](t, resp)
	assert.Greater(t, size["bytes"], int64(0))

	// An unreferenced upload is swept by cleanup.
	up := uploadFile(t, e, "orphan.bin", []byte("orphan-bytes"))
	require.Equal(t, http.StatusCreated, up.StatusCode)
	_ = up.Body.Close()

	resp = e.request(t, http.MethodPost, "/database/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[cleanupBody](t, resp)
	assert.Len(t, report.OrphanedFiles, 1)
	assert.Equal(t, 1, report.RemovedBlobs)
}

func TestCleanupDisabledByConfig(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Store.CleanupOnDemand = false
	})

	resp := e.request(t, http.MethodPost, "/database/cleanup", nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp := e.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "canvashub_http_requests_total")
}
