// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/store"
)

// transcodeJob is one queued video conversion.
type transcodeJob struct {
	file      store.File
	projectID int64
}

// Transcoder converts uploaded videos to browser-safe H.264 in the
// background, emitting lifecycle events to the owning project's room.
type Transcoder struct {
	ffmpegPath string
	srcDir     string
	outDir     string
	publisher  Publisher
	jobs       chan transcodeJob
	logger     zerolog.Logger

	// run is swapped in tests.
	run func(ctx context.Context, src, dst string) error
}

// NewTranscoder returns nil when ffmpeg is not resolvable.
func NewTranscoder(ffmpegPath, srcDir, outDir string, pub Publisher) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil
	}
	t := &Transcoder{
		ffmpegPath: resolved,
		srcDir:     srcDir,
		outDir:     outDir,
		publisher:  pub,
		jobs:       make(chan transcodeJob, 64),
		logger:     log.WithComponent("transcode"),
	}
	t.run = t.runFFmpeg
	return t
}

// Enqueue schedules a video for conversion. A full queue drops the job; the
// original stays playable, only the derived format is missing.
func (t *Transcoder) Enqueue(f store.File, projectID int64) {
	select {
	case t.jobs <- transcodeJob{file: f, projectID: projectID}:
		t.publish(projectID, Event{Kind: EventVideoQueued, Hash: f.Hash})
	default:
		t.logger.Warn().
			Str(log.FieldHash, f.Hash).
			Msg("transcode queue full, dropping job")
	}
}

// Start runs the worker loop until ctx is done.
func (t *Transcoder) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-t.jobs:
			t.process(ctx, job)
		}
	}
}

func (t *Transcoder) process(ctx context.Context, job transcodeJob) {
	t.publish(job.projectID, Event{Kind: EventVideoStart, Hash: job.file.Hash})

	src := filepath.Join(t.srcDir, job.file.StoredName)
	dst := filepath.Join(t.outDir, transcodedName(job.file.StoredName))
	if err := os.MkdirAll(t.outDir, 0o750); err != nil {
		t.logger.Error().Err(err).Msg("transcode output dir")
		return
	}

	if err := t.run(ctx, src, dst); err != nil {
		t.logger.Error().Err(err).
			Str(log.FieldHash, job.file.Hash).
			Str(log.FieldFilename, job.file.StoredName).
			Msg("transcode failed")
		_ = os.Remove(dst)
		// Clients wait on complete; a silent failure would strand them.
		t.publish(job.projectID, Event{
			Kind:  EventVideoComplete,
			Hash:  job.file.Hash,
			Error: err.Error(),
		})
		return
	}

	t.publish(job.projectID, Event{Kind: EventVideoProgress, Hash: job.file.Hash, Progress: 1})
	t.publish(job.projectID, Event{
		Kind:    EventVideoComplete,
		Hash:    job.file.Hash,
		Formats: []string{"mp4"},
		URLs: map[string]string{
			"original": "/uploads/" + job.file.StoredName,
			"mp4":      "/uploads/transcoded/" + transcodedName(job.file.StoredName),
		},
	})
}

func (t *Transcoder) runFFmpeg(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, t.ffmpegPath, // #nosec G204
		"-y",
		"-i", src,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-movflags", "+faststart",
		dst,
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg transcode: %w", err)
	}
	return nil
}

func (t *Transcoder) publish(projectID int64, ev Event) {
	if t.publisher != nil {
		t.publisher.PublishMedia(projectID, ev)
	}
}

func transcodedName(storedName string) string {
	return strings.TrimSuffix(storedName, filepath.Ext(storedName)) + ".mp4"
}
