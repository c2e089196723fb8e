// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command daemon runs the canvashub collaboration server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/ManuGH/canvashub/internal/api"
	"github.com/ManuGH/canvashub/internal/cache"
	"github.com/ManuGH/canvashub/internal/config"
	"github.com/ManuGH/canvashub/internal/daemon"
	"github.com/ManuGH/canvashub/internal/dedup"
	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/media"
	"github.com/ManuGH/canvashub/internal/persistence/sqlite"
	"github.com/ManuGH/canvashub/internal/pipeline"
	"github.com/ManuGH/canvashub/internal/ratelimit"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/telemetry"
	"github.com/ManuGH/canvashub/internal/transport"
	"github.com/ManuGH/canvashub/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("canvashub %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		return
	}

	log.Configure(log.Config{Version: version.Version})
	logger := log.WithComponent("main")

	loader := &config.Loader{Path: *configPath}
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration load failed")
	}
	log.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, loader)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	logger.Info().
		Str("version", version.Version).
		Str("addr", cfg.Server.Addr).
		Str("data_dir", cfg.Server.DataDir).
		Msg("canvashub starting")

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}

// buildApp assembles the full service graph from configuration.
func buildApp(ctx context.Context, cfg config.Config, loader *config.Loader) (*daemon.App, error) {
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.OTLPEndpoint != "",
		ServiceName:    "canvashub",
		ServiceVersion: version.Version,
		Environment:    os.Getenv("CANVASHUB_ENV"),
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.NewSqliteStore(cfg.Store.Path, sqlite.Config{
		BusyTimeout:  cfg.Store.BusyTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var dd dedup.Cache
	dd, err = dedup.OpenBadger(filepath.Join(cfg.Server.DataDir, "dedup"), cfg.Hub.DedupTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("badger dedup unavailable, falling back to in-memory cache")
		dd = dedup.NewMemory(cfg.Hub.DedupTTL)
	}

	var metaCache cache.Cache
	if cfg.Cache.RedisAddr != "" {
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		}, log.WithComponent("cache"))
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory cache")
			metaCache = cache.NewMemoryCache(cfg.Cache.TTL)
		} else {
			metaCache = rc
		}
	} else {
		metaCache = cache.NewMemoryCache(cfg.Cache.TTL)
	}

	reg := hub.NewSessionRegistry(st, cfg.Hub.RingSize)
	reg.SetRoomLinger(cfg.Hub.RoomLinger)

	thumbs := media.NewThumbnailer(cfg.Media.FFmpegPath, filepath.Join(cfg.Media.Dir, "thumbnails"))
	if thumbs == nil {
		logger.Warn().Msg("ffmpeg not found, thumbnails disabled")
	}
	var transcoder *media.Transcoder
	if cfg.Media.TranscodeVideo {
		transcoder = media.NewTranscoder(cfg.Media.FFmpegPath, cfg.Media.Dir, filepath.Join(cfg.Media.Dir, "transcoded"), reg)
		if transcoder == nil {
			logger.Warn().Msg("ffmpeg not found, video transcoding disabled")
		}
	}
	mediaReg, err := media.NewRegistry(cfg.Media.Dir, cfg.Media.MaxUploadBytes, st, metaCache, thumbs, transcoder, reg)
	if err != nil {
		return nil, err
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.PerConnRate = rate.Limit(cfg.Limits.OpsPerSecond)
	rlCfg.PerConnBurst = cfg.Limits.OpsBurst
	limiter := ratelimit.New(rlCfg)

	pipe := pipeline.New(st, dd, limiter, pipeline.Config{
		MaxOpBytes:    cfg.Limits.MaxOpBytes,
		AppendRetries: cfg.Store.AppendRetries,
		DedupTTL:      cfg.Hub.DedupTTL,
	})

	srv := api.New(cfg, api.Deps{
		Store:    st,
		Hub:      reg,
		Sync:     hub.NewSyncService(st),
		Pipeline: pipe,
		Media:    mediaReg,
		Thumbs:   thumbs,
	}, transport.Options{
		MaxFrameBytes:     cfg.Limits.MaxFrameBytes,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		HeartbeatMisses:   cfg.Hub.HeartbeatMisses,
		SendQueueSize:     cfg.Hub.SendQueueSize,
		WriteTimeout:      10 * time.Second,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	holder := config.NewHolder(cfg, loader)
	return daemon.NewApp(holder, httpSrv, reg, st, dd, transcoder, tel), nil
}
