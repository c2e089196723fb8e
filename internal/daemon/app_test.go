// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/config"
	"github.com/ManuGH/canvashub/internal/dedup"
	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/persistence/sqlite"
	"github.com/ManuGH/canvashub/internal/store"
)

type idleConn struct{ id string }

func (c *idleConn) ID() string         { return c.id }
func (c *idleConn) Send(_ []byte) bool { return true }
func (c *idleConn) Close()             {}

func newTestApp(t *testing.T) *App {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewSqliteStore(filepath.Join(dir, "canvashub.db"), sqlite.DefaultConfig())
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownGrace = time.Second
	cfg.Store.SnapshotEvery = 20 * time.Millisecond

	holder := config.NewHolder(cfg, &config.Loader{})
	reg := hub.NewSessionRegistry(st, 64)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: http.NewServeMux(), ReadHeaderTimeout: time.Second}

	return NewApp(holder, srv, reg, st, dedup.NewMemory(time.Minute), nil, nil)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	app := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}
}

func TestSnapshotLoopPersists(t *testing.T) {
	app := newTestApp(t)
	t.Cleanup(func() {
		_ = app.Store.Close()
	})

	ctx := context.Background()
	u, err := app.Store.EnsureUser(ctx, "alice", "")
	require.NoError(t, err)
	p, err := app.Store.CreateProject(ctx, "board", u.ID, "")
	require.NoError(t, err)

	_, err = app.Hub.Join(ctx, &idleConn{id: "conn-1"}, p.ID, "alice", "", "tab-1")
	require.NoError(t, err)

	room := app.Hub.Room(p.ID)
	require.NotNil(t, room)
	err = room.Execute(func(snap *canvas.Snapshot, seq uint64) (uint64, error) {
		if _, err := canvas.Apply(snap, canvas.OpNodeCreate,
			[]byte(`{"type":"text","pos":[0,0],"size":[10,10]}`)); err != nil {
			return seq, err
		}
		return seq + 1, nil
	})
	require.NoError(t, err)

	loopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, app.snapshotLoop(loopCtx, 20*time.Millisecond))

	blob, seq, err := app.Store.LoadSnapshot(ctx, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)
	assert.Contains(t, string(blob), `"nodes"`)
}

func TestTeardownIsIdempotentOnClosedStore(t *testing.T) {
	app := newTestApp(t)

	app.teardown()
	// A second teardown only logs; nothing panics on the closed store.
	app.teardown()
}
