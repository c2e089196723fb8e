// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package media is the content-addressed ingestion path. Blobs are stored
// once per SHA-256 and referenced from canvas nodes by hash; derived
// artifacts (thumbnails, transcodes) hang off the same address.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/canvashub/internal/cache"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/metrics"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/telemetry"
)

var (
	// ErrHashMismatch is returned when a declared hash does not match the
	// uploaded content.
	ErrHashMismatch = errors.New("media: declared hash does not match content")

	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("media: upload exceeds size limit")
)

const fileMetaTTL = 10 * time.Minute

// Store is the metadata persistence the registry needs.
type Store interface {
	RegisterFile(ctx context.Context, f store.File) (store.File, bool, error)
	FileByHash(ctx context.Context, hash string) (store.File, error)
	FileByStoredName(ctx context.Context, name string) (store.File, error)
}

// Registry ingests uploads, dedupes by content hash and schedules derived
// artifacts.
type Registry struct {
	dir       string
	maxBytes  int64
	store     Store
	cache     cache.Cache
	thumbs    *Thumbnailer
	transcode *Transcoder
	publisher Publisher
	logger    zerolog.Logger
}

// IngestResult describes a stored (or re-found) artifact.
type IngestResult struct {
	Hash     string `json:"hash"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Created  bool   `json:"-"`
	Thumbs   []int  `json:"thumbs,omitempty"`
}

// NewRegistry creates a Registry rooted at dir. The thumbnailer and
// transcoder may be nil when ffmpeg is unavailable.
func NewRegistry(dir string, maxBytes int64, st Store, c cache.Cache, thumbs *Thumbnailer, transcode *Transcoder, pub Publisher) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}
	if c == nil {
		c = cache.NewNoOpCache()
	}
	return &Registry{
		dir:       dir,
		maxBytes:  maxBytes,
		store:     st,
		cache:     c,
		thumbs:    thumbs,
		transcode: transcode,
		publisher: pub,
		logger:    log.WithComponent("media"),
	}, nil
}

// Ingest stores the stream content-addressed. A declaredHash that already
// exists short-circuits without reading the stream; otherwise the content is
// spooled, hashed and verified against declaredHash when one was given.
func (r *Registry) Ingest(ctx context.Context, src io.Reader, originalName, declaredMime, declaredHash string, projectID int64) (IngestResult, error) {
	ctx, span := telemetry.Tracer("canvashub/media").Start(ctx, "media.ingest")
	defer span.End()

	if declaredHash != "" {
		if existing, err := r.store.FileByHash(ctx, declaredHash); err == nil {
			metrics.IngestTotal.WithLabelValues("dedup").Inc()
			return r.resultFor(existing, false), nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return IngestResult{}, err
		}
	}

	storedName := uuid.NewString() + extensionFor(declaredMime, originalName)
	blobPath := filepath.Join(r.dir, storedName)

	pending, err := renameio.NewPendingFile(blobPath, renameio.WithPermissions(0o640))
	if err != nil {
		return IngestResult{}, fmt.Errorf("media: pending blob: %w", err)
	}
	defer func() {
		// No-op once the blob was committed.
		_ = pending.Cleanup()
	}()

	hasher := sha256.New()
	limited := src
	if r.maxBytes > 0 {
		limited = io.LimitReader(src, r.maxBytes+1)
	}
	size, err := io.Copy(io.MultiWriter(pending, hasher), limited)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("error").Inc()
		return IngestResult{}, fmt.Errorf("media: spool: %w", err)
	}
	if r.maxBytes > 0 && size > r.maxBytes {
		metrics.IngestTotal.WithLabelValues("too_large").Inc()
		return IngestResult{}, ErrTooLarge
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	span.SetAttributes(telemetry.MediaAttributes(hash, declaredMime, size)...)
	if declaredHash != "" && declaredHash != hash {
		metrics.IngestTotal.WithLabelValues("hash_mismatch").Inc()
		return IngestResult{}, ErrHashMismatch
	}

	// Content already known under a different upload; keep the existing blob.
	if existing, err := r.store.FileByHash(ctx, hash); err == nil {
		metrics.IngestTotal.WithLabelValues("dedup").Inc()
		return r.resultFor(existing, false), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return IngestResult{}, err
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return IngestResult{}, fmt.Errorf("media: store blob: %w", err)
	}

	rec, created, err := r.store.RegisterFile(ctx, store.File{
		StoredName:   storedName,
		OriginalName: originalName,
		Mime:         declaredMime,
		Size:         size,
		Hash:         hash,
		ProjectID:    projectID,
	})
	if err != nil {
		_ = os.Remove(filepath.Join(r.dir, storedName))
		return IngestResult{}, err
	}
	if !created {
		// Lost an ingest race; drop the duplicate blob.
		_ = os.Remove(filepath.Join(r.dir, storedName))
		metrics.IngestTotal.WithLabelValues("dedup").Inc()
		return r.resultFor(rec, false), nil
	}

	metrics.IngestTotal.WithLabelValues("stored").Inc()
	metrics.IngestBytesTotal.Add(float64(size))
	if meta, err := json.Marshal(rec); err == nil {
		r.cache.Set(cache.FileMetaKey(hash), meta, fileMetaTTL)
	}

	res := r.resultFor(rec, true)
	res.Thumbs = r.deriveArtifacts(ctx, rec, projectID)
	return res, nil
}

// deriveArtifacts generates thumbnails synchronously and queues video
// transcoding. Derivation failures never fail the ingest.
func (r *Registry) deriveArtifacts(ctx context.Context, rec store.File, projectID int64) []int {
	var thumbs []int
	if r.thumbs != nil {
		sizes, err := r.thumbs.Generate(ctx, filepath.Join(r.dir, rec.StoredName), rec.StoredName)
		if err != nil {
			r.logger.Warn().Err(err).
				Str(log.FieldHash, rec.Hash).
				Str(log.FieldFilename, rec.StoredName).
				Msg("thumbnail generation failed")
		}
		thumbs = sizes
	}

	if isVideo(rec.Mime) && r.transcode != nil {
		r.transcode.Enqueue(rec, projectID)
	} else if r.publisher != nil {
		r.publisher.PublishMedia(projectID, Event{
			Kind: EventMediaReady,
			Hash: rec.Hash,
			URLs: r.urlsFor(rec, thumbs),
		})
	}
	return thumbs
}

// Resolve returns file metadata by hash, read through the cache.
func (r *Registry) Resolve(ctx context.Context, hash string) (store.File, error) {
	if raw, ok := r.cache.Get(cache.FileMetaKey(hash)); ok {
		var f store.File
		if err := json.Unmarshal(raw, &f); err == nil {
			return f, nil
		}
	}
	f, err := r.store.FileByHash(ctx, hash)
	if err != nil {
		return store.File{}, err
	}
	if meta, err := json.Marshal(f); err == nil {
		r.cache.Set(cache.FileMetaKey(hash), meta, fileMetaTTL)
	}
	return f, nil
}

// BlobPath returns the on-disk path for a stored name, refusing traversal.
func (r *Registry) BlobPath(storedName string) (string, error) {
	if storedName == "" || storedName != filepath.Base(storedName) {
		return "", fmt.Errorf("media: invalid stored name %q", storedName)
	}
	return filepath.Join(r.dir, storedName), nil
}

// Dir returns the blob root.
func (r *Registry) Dir() string { return r.dir }

// TranscodedPath returns the on-disk path of a derived video transcode,
// refusing traversal. Only .mp4 outputs exist.
func (r *Registry) TranscodedPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || filepath.Ext(name) != ".mp4" {
		return "", fmt.Errorf("media: invalid transcoded name %q", name)
	}
	return filepath.Join(r.dir, "transcoded", name), nil
}

func (r *Registry) resultFor(rec store.File, created bool) IngestResult {
	return IngestResult{
		Hash:     rec.Hash,
		URL:      "/uploads/" + rec.StoredName,
		Filename: rec.StoredName,
		Size:     rec.Size,
		Created:  created,
	}
}

func (r *Registry) urlsFor(rec store.File, thumbs []int) map[string]string {
	urls := map[string]string{"original": "/uploads/" + rec.StoredName}
	for _, size := range thumbs {
		urls[fmt.Sprintf("thumb_%d", size)] = fmt.Sprintf("/thumbnails/%d/%s", size, thumbName(rec.StoredName))
	}
	return urls
}

func extensionFor(declaredMime, originalName string) string {
	if ext := filepath.Ext(originalName); ext != "" && len(ext) <= 8 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(declaredMime); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func isVideo(mimeType string) bool {
	return len(mimeType) > 6 && mimeType[:6] == "video/"
}
