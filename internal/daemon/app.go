// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon runs the assembled canvashub service: HTTP listener,
// config reloads, periodic snapshot compaction and graceful teardown.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/canvashub/internal/config"
	"github.com/ManuGH/canvashub/internal/dedup"
	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/media"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/telemetry"
)

// App owns the long-running pieces of the daemon and their shutdown order.
type App struct {
	CfgHolder  *config.Holder
	Server     *http.Server
	Hub        *hub.SessionRegistry
	Store      *store.SqliteStore
	Dedup      dedup.Cache
	Transcoder *media.Transcoder // nil when ffmpeg is unavailable
	Telemetry  *telemetry.Provider

	logger zerolog.Logger
}

// NewApp wires an App around already-constructed components.
func NewApp(holder *config.Holder, srv *http.Server, reg *hub.SessionRegistry, st *store.SqliteStore, dd dedup.Cache, tc *media.Transcoder, tel *telemetry.Provider) *App {
	return &App{
		CfgHolder:  holder,
		Server:     srv,
		Hub:        reg,
		Store:      st,
		Dedup:      dd,
		Transcoder: tc,
		Telemetry:  tel,
		logger:     log.WithComponent("daemon"),
	}
}

// Run blocks until ctx is cancelled or a component fails, then tears the
// service down: drain HTTP, persist room snapshots, checkpoint and close the
// store.
func (a *App) Run(ctx context.Context) error {
	cfg := a.CfgHolder.Get()

	if err := a.CfgHolder.StartWatcher(ctx); err != nil {
		// Reloads still work via SIGHUP.
		a.logger.Warn().Err(err).Msg("config file watcher unavailable")
	}
	go a.reloadOnSIGHUP(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().
			Str("addr", a.Server.Addr).
			Str("event", "daemon.listen").
			Msg("http server starting")
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.snapshotLoop(ctx, cfg.Store.SnapshotEvery)
	})

	if a.Transcoder != nil {
		g.Go(func() error {
			if err := a.Transcoder.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	runErr := g.Wait()
	a.teardown()
	return runErr
}

// snapshotLoop compacts live rooms on a fixed cadence so a crash replays a
// bounded log suffix instead of the whole history.
func (a *App) snapshotLoop(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Hub.PersistSnapshots(ctx)
		}
	}
}

func (a *App) reloadOnSIGHUP(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.CfgHolder.Reload(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("SIGHUP reload failed, keeping previous config")
			}
		}
	}
}

// teardown runs after the listener has drained. Snapshots are persisted with
// a fresh context so shutdown still compacts after cancellation.
func (a *App) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a.Hub.PersistSnapshots(ctx)

	if err := a.Store.Checkpoint(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("final wal checkpoint failed")
	}
	if err := a.Dedup.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("dedup cache close failed")
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close failed")
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
	a.logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}
