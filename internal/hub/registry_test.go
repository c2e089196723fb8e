// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package hub

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/media"
	"github.com/ManuGH/canvashub/internal/persistence/sqlite"
	"github.com/ManuGH/canvashub/internal/store"
)

// fakeConn collects every frame sent to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, data)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// types decodes the envelope type of every received frame.
func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) lastOf(msgType string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(c.frames[i], &env)
		if env.Type == msgType {
			return c.frames[i]
		}
	}
	return nil
}

func newHubStore(t *testing.T) *store.SqliteStore {
	t.Helper()
	s, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "hub.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newHubProject(t *testing.T, s *store.SqliteStore) store.Project {
	t.Helper()
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "owner", "Owner")
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, "board", u.ID, "")
	require.NoError(t, err)
	return p
}

func TestJoinAdmitsAndAnnounces(t *testing.T) {
	s := newHubStore(t)
	p := newHubProject(t, s)
	sr := NewSessionRegistry(s, 256)
	ctx := context.Background()

	alice := newFakeConn("conn-a")
	res, err := sr.Join(ctx, alice, p.ID, "alice", "Alice", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.Room.ProjectID)
	assert.Zero(t, res.Seq)

	// The joiner gets the presence snapshot, not its own user_joined.
	assert.Equal(t, []string{"active_users"}, alice.types())

	bob := newFakeConn("conn-b")
	_, err = sr.Join(ctx, bob, p.ID, "bob", "Bob", "tab-1")
	require.NoError(t, err)

	assert.Contains(t, alice.types(), "user_joined")
	users := sr.ActiveUsers(res.Room)
	assert.Len(t, users, 2)
}

func TestJoinUnknownProject(t *testing.T) {
	s := newHubStore(t)
	sr := NewSessionRegistry(s, 256)

	conn := newFakeConn("conn-a")
	_, err := sr.Join(context.Background(), conn, 9999, "alice", "Alice", "tab-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMultiTabPresence(t *testing.T) {
	s := newHubStore(t)
	p := newHubProject(t, s)
	sr := NewSessionRegistry(s, 256)
	ctx := context.Background()

	tabA := newFakeConn("conn-a")
	tabB := newFakeConn("conn-b")
	observer := newFakeConn("conn-o")

	_, err := sr.Join(ctx, observer, p.ID, "observer", "O", "tab-o")
	require.NoError(t, err)
	resA, err := sr.Join(ctx, tabA, p.ID, "alice", "Alice", "tab-a")
	require.NoError(t, err)
	_, err = sr.Join(ctx, tabB, p.ID, "alice", "Alice", "tab-b")
	require.NoError(t, err)

	// One user, two tabs.
	users := sr.ActiveUsers(resA.Room)
	require.Len(t, users, 2)
	for _, u := range users {
		if u.Username == "alice" {
			assert.Len(t, u.Tabs, 2)
		}
	}
	// Second tab of the same user must not announce user_joined again.
	joined := 0
	for _, typ := range observer.types() {
		if typ == "user_joined" {
			joined++
		}
	}
	assert.Equal(t, 1, joined)

	// Closing one tab: tab_closed, user stays.
	sr.Leave(ctx, "conn-a")
	assert.Contains(t, observer.types(), "tab_closed")
	assert.NotContains(t, observer.types(), "user_left")

	// Closing the last tab: user_left.
	sr.Leave(ctx, "conn-b")
	assert.Contains(t, observer.types(), "user_left")
}

func TestLeaveLastSessionRetiresRoomAndPersists(t *testing.T) {
	s := newHubStore(t)
	p := newHubProject(t, s)
	sr := NewSessionRegistry(s, 256)
	ctx := context.Background()

	conn := newFakeConn("conn-a")
	res, err := sr.Join(ctx, conn, p.ID, "alice", "Alice", "tab-1")
	require.NoError(t, err)

	// Touch the lane so the retirement snapshot reflects the live room.
	require.NoError(t, res.Room.Execute(func(snap *canvas.Snapshot, seq uint64) (uint64, error) {
		return seq, nil
	}))

	sr.Leave(ctx, "conn-a")
	assert.Nil(t, sr.Room(p.ID), "empty room must be dropped")

	blob, _, err := s.LoadSnapshot(ctx, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, blob, "retirement must persist the snapshot")

	sessions, err := s.SessionsForProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRoomLingerDelaysRetirement(t *testing.T) {
	s := newHubStore(t)
	p := newHubProject(t, s)
	sr := NewSessionRegistry(s, 256)
	sr.SetRoomLinger(50 * time.Millisecond)
	ctx := context.Background()

	conn := newFakeConn("conn-a")
	_, err := sr.Join(ctx, conn, p.ID, "alice", "Alice", "tab-1")
	require.NoError(t, err)

	sr.Leave(ctx, "conn-a")
	assert.NotNil(t, sr.Room(p.ID), "a lingering room stays resident for quick reconnects")

	// A reconnect within the window reuses the room; the deferred retirement
	// then sees a non-empty room and backs off.
	reconnect := newFakeConn("conn-b")
	_, err = sr.Join(ctx, reconnect, p.ID, "alice", "Alice", "tab-1")
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)
	assert.NotNil(t, sr.Room(p.ID))

	sr.Leave(ctx, "conn-b")
	assert.Eventually(t, func() bool {
		return sr.Room(p.ID) == nil
	}, time.Second, 10*time.Millisecond, "an empty room retires once the linger elapses")
}

func TestProjectSwitchLeavesOldRoom(t *testing.T) {
	s := newHubStore(t)
	p1 := newHubProject(t, s)
	ctx := context.Background()
	owner, err := s.EnsureUser(ctx, "owner", "Owner")
	require.NoError(t, err)
	p2, err := s.CreateProject(ctx, "second", owner.ID, "")
	require.NoError(t, err)

	sr := NewSessionRegistry(s, 256)
	stayer := newFakeConn("conn-s")
	switcher := newFakeConn("conn-x")

	_, err = sr.Join(ctx, stayer, p1.ID, "stayer", "S", "t")
	require.NoError(t, err)
	_, err = sr.Join(ctx, switcher, p1.ID, "switcher", "X", "t")
	require.NoError(t, err)

	res2, err := sr.Join(ctx, switcher, p2.ID, "switcher", "X", "t")
	require.NoError(t, err)
	assert.Equal(t, p2.ID, res2.Room.ProjectID)

	// The old room no longer reaches the switched connection.
	room1 := sr.Room(p1.ID)
	require.NotNil(t, room1)
	before := len(switcher.types())
	room1.BroadcastAll([]byte(`{"type":"noise"}`))
	assert.Len(t, switcher.types(), before)
	assert.Contains(t, stayer.types(), "user_left")
}

func TestRoomMaterializesFromSnapshotAndLog(t *testing.T) {
	s := newHubStore(t)
	p := newHubProject(t, s)
	ctx := context.Background()
	u, err := s.EnsureUser(ctx, "alice", "Alice")
	require.NoError(t, err)

	// Log two creates, snapshot covers only the first.
	_, err = s.AppendOperation(ctx, p.ID, u.ID, "", "node_create",
		json.RawMessage(`{"type":"text","pos":[0,0],"size":[10,10]}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, p.ID,
		[]byte(`{"nodes":[{"id":1,"type":"text","pos":[0,0],"size":[10,10]}],"nextNodeId":2}`), 1))
	_, err = s.AppendOperation(ctx, p.ID, u.ID, "", "node_create",
		json.RawMessage(`{"type":"text","pos":[5,5],"size":[10,10]}`), nil)
	require.NoError(t, err)

	sr := NewSessionRegistry(s, 256)
	conn := newFakeConn("conn-a")
	res, err := sr.Join(ctx, conn, p.ID, "alice", "Alice", "tab-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(2), res.Seq, "room seq must match the log tip")
	blob, seq, err := res.Room.SnapshotJSON()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	var snap struct {
		Nodes []json.RawMessage `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(blob, &snap))
	assert.Len(t, snap.Nodes, 2, "log beyond the save marker must be replayed")
}

func TestPublishMediaReachesRoom(t *testing.T) {
	s := newHubStore(t)
	p := newHubProject(t, s)
	sr := NewSessionRegistry(s, 256)
	ctx := context.Background()

	conn := newFakeConn("conn-a")
	_, err := sr.Join(ctx, conn, p.ID, "alice", "Alice", "tab-1")
	require.NoError(t, err)

	sr.PublishMedia(p.ID, media.Event{Kind: media.EventMediaReady, Hash: "hash-1"})
	frame := conn.lastOf("media_ready")
	require.NotNil(t, frame)
	assert.Contains(t, string(frame), "hash-1")

	// Unknown project: dropped, no panic.
	sr.PublishMedia(4242, media.Event{Kind: media.EventMediaReady, Hash: "hash-2"})
}

func TestSendToUnknownConnection(t *testing.T) {
	room := NewRoom(1, nil, 0, 8)
	assert.False(t, room.SendTo("ghost", []byte("x")))
}
