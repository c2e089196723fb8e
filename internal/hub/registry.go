// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/media"
	"github.com/ManuGH/canvashub/internal/metrics"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/transport"
)

// RegistryStore is the persistence surface the session registry needs.
type RegistryStore interface {
	EnsureUser(ctx context.Context, username, displayName string) (store.User, error)
	GetProject(ctx context.Context, id int64) (store.Project, error)
	AddCollaborator(ctx context.Context, projectID, userID int64) error
	LoadSnapshot(ctx context.Context, projectID int64) ([]byte, uint64, error)
	SaveSnapshot(ctx context.Context, projectID int64, blob []byte, upToSeq uint64) error
	OperationsSince(ctx context.Context, projectID int64, lastSeq uint64, limit int) ([]store.Operation, error)
	LatestSeq(ctx context.Context, projectID int64) (uint64, error)
	UpsertSession(ctx context.Context, sess store.Session) error
	DeleteSession(ctx context.Context, connectionID string) error
}

// JoinResult is everything the transport layer needs to answer a join.
type JoinResult struct {
	Room    *Room
	Session *Session
	User    store.User
	Project store.Project
	Seq     uint64
}

// SessionRegistry owns connection lifecycle, presence and the room table.
type SessionRegistry struct {
	store    RegistryStore
	ringSize int
	linger   time.Duration

	mu     sync.Mutex
	rooms  map[int64]*Room
	byConn map[string]*Room

	logger zerolog.Logger
}

// NewSessionRegistry creates the registry. ringSize is the per-room catch-up
// window.
func NewSessionRegistry(st RegistryStore, ringSize int) *SessionRegistry {
	return &SessionRegistry{
		store:    st,
		ringSize: ringSize,
		rooms:    make(map[int64]*Room),
		byConn:   make(map[string]*Room),
		logger:   log.WithComponent("hub"),
	}
}

// SetRoomLinger keeps empty rooms resident for d before retiring them, so a
// quick reconnect skips the snapshot-and-replay load. Zero retires at once.
func (sr *SessionRegistry) SetRoomLinger(d time.Duration) {
	sr.linger = d
}

// Room returns the live room for a project, or nil.
func (sr *SessionRegistry) Room(projectID int64) *Room {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.rooms[projectID]
}

// RoomFor returns the room a connection is admitted to, or nil.
func (sr *SessionRegistry) RoomFor(connID string) *Room {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.byConn[connID]
}

// Join admits a connection into a project. A connection already in another
// room leaves it first, so broadcasts of the old project never reach it
// after the switch.
func (sr *SessionRegistry) Join(ctx context.Context, conn Sender, projectID int64, username, displayName, tabID string) (JoinResult, error) {
	if prev := sr.RoomFor(conn.ID()); prev != nil {
		sr.Leave(ctx, conn.ID())
	}

	user, err := sr.store.EnsureUser(ctx, username, displayName)
	if err != nil {
		return JoinResult{}, fmt.Errorf("hub: join: %w", err)
	}
	project, err := sr.store.GetProject(ctx, projectID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := sr.store.AddCollaborator(ctx, projectID, user.ID); err != nil {
		return JoinResult{}, err
	}

	room, err := sr.roomFor(ctx, projectID)
	if err != nil {
		return JoinResult{}, err
	}

	sess := &Session{
		Conn:        conn,
		UserID:      user.ID,
		Username:    username,
		DisplayName: displayName,
		TabID:       tabID,
	}

	firstTab := room.UserTabCount(user.ID) == 0
	room.AddSession(sess)

	sr.mu.Lock()
	sr.byConn[conn.ID()] = room
	sr.mu.Unlock()

	if err := sr.store.UpsertSession(ctx, store.Session{
		ConnectionID: conn.ID(),
		UserID:       user.ID,
		ProjectID:    projectID,
		TabID:        tabID,
		JoinedAt:     time.Now(),
	}); err != nil {
		sr.logger.Warn().Err(err).Str(log.FieldConnectionID, conn.ID()).Msg("persist session failed")
	}

	if firstTab {
		metrics.IncPresence("user_joined")
		room.BroadcastExcept(conn.ID(), transport.Marshal(transport.PresenceEvent{
			Type:        transport.TypeUserJoined,
			UserID:      user.ID,
			Username:    username,
			DisplayName: displayName,
			TabID:       tabID,
		}))
	}
	sr.broadcastActiveUsers(room)

	sr.logger.Info().
		Str(log.FieldConnectionID, conn.ID()).
		Int64(log.FieldProjectID, projectID).
		Int64(log.FieldUserID, user.ID).
		Str(log.FieldTabID, tabID).
		Str("event", "hub.join").
		Msg("session joined")

	return JoinResult{Room: room, Session: sess, User: user, Project: project, Seq: room.Seq()}, nil
}

// Leave tears down a connection's membership: presence events, the persisted
// session row and, for the last session of a room, the room itself.
func (sr *SessionRegistry) Leave(ctx context.Context, connID string) {
	sr.mu.Lock()
	room := sr.byConn[connID]
	delete(sr.byConn, connID)
	sr.mu.Unlock()
	if room == nil {
		return
	}

	sess := room.RemoveSession(connID)
	if err := sr.store.DeleteSession(ctx, connID); err != nil {
		sr.logger.Warn().Err(err).Str(log.FieldConnectionID, connID).Msg("delete session failed")
	}
	if sess == nil {
		return
	}

	if room.UserTabCount(sess.UserID) == 0 {
		metrics.IncPresence("user_left")
		room.BroadcastAll(transport.Marshal(transport.PresenceEvent{
			Type:     transport.TypeUserLeft,
			UserID:   sess.UserID,
			Username: sess.Username,
			TabID:    sess.TabID,
		}))
	} else {
		metrics.IncPresence("tab_closed")
		room.BroadcastAll(transport.Marshal(transport.PresenceEvent{
			Type:     transport.TypeTabClosed,
			UserID:   sess.UserID,
			Username: sess.Username,
			TabID:    sess.TabID,
		}))
	}
	sr.broadcastActiveUsers(room)

	sr.logger.Info().
		Str(log.FieldConnectionID, connID).
		Int64(log.FieldProjectID, room.ProjectID).
		Str("event", "hub.leave").
		Msg("session left")

	if room.Empty() {
		if sr.linger <= 0 {
			sr.retireRoom(ctx, room)
			return
		}
		time.AfterFunc(sr.linger, func() {
			if room.Empty() {
				sr.retireRoom(context.Background(), room)
			}
		})
	}
}

// ActiveUsers computes the presence snapshot for a room, grouped by user.
func (sr *SessionRegistry) ActiveUsers(room *Room) []transport.ActiveUser {
	byUser := make(map[int64]*transport.ActiveUser)
	var order []int64
	for _, s := range room.Sessions() {
		u, ok := byUser[s.UserID]
		if !ok {
			u = &transport.ActiveUser{
				UserID:      s.UserID,
				Username:    s.Username,
				DisplayName: s.DisplayName,
			}
			byUser[s.UserID] = u
			order = append(order, s.UserID)
		}
		u.Tabs = append(u.Tabs, transport.TabRef{ConnectionID: s.Conn.ID(), TabID: s.TabID})
	}
	out := make([]transport.ActiveUser, 0, len(order))
	for _, id := range order {
		out = append(out, *byUser[id])
	}
	return out
}

// PublishMedia fans a media event into the owning project's room, satisfying
// media.Publisher.
func (sr *SessionRegistry) PublishMedia(projectID int64, ev media.Event) {
	room := sr.Room(projectID)
	if room == nil {
		return
	}
	metrics.IncBroadcast(string(ev.Kind))
	room.BroadcastAll(transport.Marshal(ev))
}

// PersistSnapshots compacts every live room into the store: the serialized
// snapshot replaces replaying the log from its previous save marker.
func (sr *SessionRegistry) PersistSnapshots(ctx context.Context) {
	sr.mu.Lock()
	rooms := make([]*Room, 0, len(sr.rooms))
	for _, r := range sr.rooms {
		rooms = append(rooms, r)
	}
	sr.mu.Unlock()

	for _, room := range rooms {
		if err := sr.persistSnapshot(ctx, room); err != nil {
			metrics.SnapshotCompactionsTotal.WithLabelValues("error").Inc()
			sr.logger.Error().Err(err).
				Int64(log.FieldProjectID, room.ProjectID).
				Msg("snapshot compaction failed")
			continue
		}
		metrics.SnapshotCompactionsTotal.WithLabelValues("ok").Inc()
	}
}

func (sr *SessionRegistry) persistSnapshot(ctx context.Context, room *Room) error {
	blob, seq, err := room.SnapshotJSON()
	if err != nil {
		return err
	}
	return sr.store.SaveSnapshot(ctx, room.ProjectID, blob, seq)
}

func (sr *SessionRegistry) broadcastActiveUsers(room *Room) {
	metrics.IncBroadcast(string(transport.TypeActiveUsers))
	room.BroadcastAll(transport.Marshal(transport.ActiveUsers{
		Type:  transport.TypeActiveUsers,
		Users: sr.ActiveUsers(room),
	}))
}

// roomFor returns the live room or materializes one: persisted snapshot plus
// every logged operation beyond its save marker.
func (sr *SessionRegistry) roomFor(ctx context.Context, projectID int64) (*Room, error) {
	sr.mu.Lock()
	if room, ok := sr.rooms[projectID]; ok {
		sr.mu.Unlock()
		return room, nil
	}
	sr.mu.Unlock()

	room, err := sr.loadRoom(ctx, projectID)
	if err != nil {
		return nil, err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if existing, ok := sr.rooms[projectID]; ok {
		// Lost a materialization race; the first room wins.
		return existing, nil
	}
	sr.rooms[projectID] = room
	return room, nil
}

func (sr *SessionRegistry) loadRoom(ctx context.Context, projectID int64) (*Room, error) {
	blob, savedSeq, err := sr.store.LoadSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	snap := canvas.NewSnapshot()
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, snap); err != nil {
			return nil, fmt.Errorf("hub: corrupt snapshot for project %d: %w", projectID, err)
		}
	}

	seq := savedSeq
	for {
		ops, err := sr.store.OperationsSince(ctx, projectID, seq, 1000)
		if err != nil {
			return nil, err
		}
		if len(ops) == 0 {
			break
		}
		for _, op := range ops {
			if _, err := canvas.Apply(snap, canvas.OpType(op.Type), op.Data); err != nil {
				// A historical op that no longer applies is skipped, not
				// fatal: the log stays authoritative for peers that saw it.
				sr.logger.Warn().Err(err).
					Int64(log.FieldProjectID, projectID).
					Uint64(log.FieldSeq, op.Seq).
					Str(log.FieldOpType, op.Type).
					Msg("replay skipped operation")
			}
			seq = op.Seq
		}
	}

	latest, err := sr.store.LatestSeq(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if latest > seq {
		seq = latest
	}

	sr.logger.Info().
		Int64(log.FieldProjectID, projectID).
		Uint64(log.FieldSeq, seq).
		Uint64("saved_seq", savedSeq).
		Str("event", "hub.room_loaded").
		Msg("room materialized")
	return NewRoom(projectID, snap, seq, sr.ringSize), nil
}

// retireRoom persists the final snapshot and drops the room.
func (sr *SessionRegistry) retireRoom(ctx context.Context, room *Room) {
	if err := sr.persistSnapshot(ctx, room); err != nil {
		sr.logger.Error().Err(err).
			Int64(log.FieldProjectID, room.ProjectID).
			Msg("final snapshot save failed")
	}
	sr.mu.Lock()
	if current, ok := sr.rooms[room.ProjectID]; ok && current == room && room.Empty() {
		delete(sr.rooms, room.ProjectID)
	}
	sr.mu.Unlock()
}
