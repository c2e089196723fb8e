// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/metrics"
)

// ThumbSizes are the widths generated for every ingested image or video.
var ThumbSizes = []int{64, 128, 256, 512, 1024, 2048}

const thumbQuality = 85

// Thumbnailer produces scaled JPEG tiles via ffmpeg.
type Thumbnailer struct {
	ffmpegPath string
	dir        string // <dir>/<size>/<name>.jpg
	logger     zerolog.Logger
}

// NewThumbnailer returns nil when ffmpeg is not resolvable; ingest then skips
// thumbnail generation.
func NewThumbnailer(ffmpegPath, dir string) *Thumbnailer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil
	}
	return &Thumbnailer{
		ffmpegPath: resolved,
		dir:        dir,
		logger:     log.WithComponent("thumbs"),
	}
}

// Generate renders every thumbnail size for src. Individual size failures
// are logged and skipped; the returned slice holds the sizes that succeeded.
func (t *Thumbnailer) Generate(ctx context.Context, src, storedName string) ([]int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var (
		mu   sync.Mutex
		done []int
	)
	for _, size := range ThumbSizes {
		size := size
		g.Go(func() error {
			start := time.Now()
			if err := t.generateOne(ctx, src, storedName, size); err != nil {
				t.logger.Warn().Err(err).
					Int("size", size).
					Str(log.FieldFilename, storedName).
					Msg("thumbnail size failed")
				return nil
			}
			metrics.ObserveThumbnail(size, time.Since(start))
			mu.Lock()
			done = append(done, size)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return done, err
	}
	sort.Ints(done)
	return done, nil
}

func (t *Thumbnailer) generateOne(ctx context.Context, src, storedName string, size int) error {
	outDir := filepath.Join(t.dir, fmt.Sprintf("%d", size))
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return err
	}
	out := filepath.Join(outDir, thumbName(storedName))

	cmd := exec.CommandContext(ctx, t.ffmpegPath, thumbArgs(src, out, size)...) // #nosec G204
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("ffmpeg scale=%d: %w", size, err)
	}
	return nil
}

// thumbArgs builds the ffmpeg invocation for one tile. -frames:v 1 makes the
// same call work for stills and video; decrease fits the frame inside
// size x size, so portrait sources cannot blow past the requested height.
func thumbArgs(src, out string, size int) []string {
	return []string{
		"-y",
		"-i", src,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", size, size),
		"-frames:v", "1",
		"-q:v", fmt.Sprintf("%d", jpegQScale(thumbQuality)),
		out,
	}
}

// Path returns the tile path for a size and stored name.
func (t *Thumbnailer) Path(size int, storedName string) string {
	return filepath.Join(t.dir, fmt.Sprintf("%d", size), thumbName(storedName))
}

// thumbName swaps the blob extension for .jpg.
func thumbName(storedName string) string {
	return strings.TrimSuffix(storedName, filepath.Ext(storedName)) + ".jpg"
}

// jpegQScale maps a 0-100 quality to ffmpeg's 2-31 qscale (lower is better).
func jpegQScale(quality int) int {
	if quality >= 100 {
		return 2
	}
	if quality <= 0 {
		return 31
	}
	return 2 + (100-quality)*29/100
}
