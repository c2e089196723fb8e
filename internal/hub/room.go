// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package hub

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/metrics"
	"github.com/ManuGH/canvashub/internal/store"
)

// Sender is the transport surface a room needs from a connection.
type Sender interface {
	ID() string
	Send(data []byte) bool
	Close()
}

// Session is one admitted connection in a room.
type Session struct {
	Conn        Sender
	UserID      int64
	Username    string
	DisplayName string
	TabID       string
}

// Room owns the volatile ordering state of one project: the materialized
// snapshot, the sequence counter and the recent-ops ring. All mutations run
// through the single-writer lane so sequence numbers form a total order.
type Room struct {
	ProjectID int64

	lane     sync.Mutex
	snapshot *canvas.Snapshot
	seq      uint64

	ring *Ring

	sessMu   sync.RWMutex
	sessions map[string]*Session

	logger zerolog.Logger
}

// NewRoom materializes a room at a given snapshot and log position.
func NewRoom(projectID int64, snapshot *canvas.Snapshot, seq uint64, ringSize int) *Room {
	if snapshot == nil {
		snapshot = canvas.NewSnapshot()
	}
	return &Room{
		ProjectID: projectID,
		snapshot:  snapshot,
		seq:       seq,
		ring:      NewRing(ringSize),
		sessions:  make(map[string]*Session),
		logger:    log.WithComponent("hub").With().Int64(log.FieldProjectID, projectID).Logger(),
	}
}

// Seq returns the current sequence counter.
func (r *Room) Seq() uint64 {
	r.lane.Lock()
	defer r.lane.Unlock()
	return r.seq
}

// Execute runs fn inside the project lane. fn receives the live snapshot and
// the current seq and returns the seq after its appends. The counter adopts
// any advance even on error, since a failed batch may have committed a
// prefix; it must always equal the persisted log tip.
func (r *Room) Execute(fn func(snap *canvas.Snapshot, seq uint64) (uint64, error)) error {
	r.lane.Lock()
	defer r.lane.Unlock()

	newSeq, err := fn(r.snapshot, r.seq)
	if newSeq > r.seq {
		r.seq = newSeq
	}
	return err
}

// RecordOp adds an accepted operation to the catch-up ring.
func (r *Room) RecordOp(op store.Operation) {
	r.ring.Append(op)
}

// RecentOps returns ring contents with seq > lastSeq; complete is false when
// the range was partially evicted.
func (r *Room) RecentOps(lastSeq uint64) ([]store.Operation, bool) {
	return r.ring.Since(lastSeq)
}

// RingCapacity returns the catch-up window size.
func (r *Room) RingCapacity() int { return r.ring.Capacity() }

// SnapshotJSON serializes the canonical state under the lane, returning the
// blob and the seq it reflects.
func (r *Room) SnapshotJSON() ([]byte, uint64, error) {
	r.lane.Lock()
	defer r.lane.Unlock()

	blob, err := r.snapshot.MarshalJSON()
	if err != nil {
		return nil, 0, err
	}
	return blob, r.seq, nil
}

// StateHash returns a hex digest of the canonical state. Advisory only.
func (r *Room) StateHash() string {
	blob, _, err := r.SnapshotJSON()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// AddSession admits a connection into the room.
func (r *Room) AddSession(s *Session) {
	r.sessMu.Lock()
	r.sessions[s.Conn.ID()] = s
	n := len(r.sessions)
	r.sessMu.Unlock()
	metrics.SetConnectedSessions(r.ProjectID, n)
}

// RemoveSession drops a connection, returning its session if present.
func (r *Room) RemoveSession(connID string) *Session {
	r.sessMu.Lock()
	s := r.sessions[connID]
	delete(r.sessions, connID)
	n := len(r.sessions)
	r.sessMu.Unlock()
	metrics.SetConnectedSessions(r.ProjectID, n)
	return s
}

// Sessions returns a point-in-time copy so broadcasts never hold the lock
// across sends.
func (r *Room) Sessions() []*Session {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Empty reports whether no session remains.
func (r *Room) Empty() bool {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	return len(r.sessions) == 0
}

// UserTabCount counts Active sessions of one user.
func (r *Room) UserTabCount(userID int64) int {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

// BroadcastAll sends data to every session.
func (r *Room) BroadcastAll(data []byte) {
	for _, s := range r.Sessions() {
		s.Conn.Send(data)
	}
}

// BroadcastExcept sends data to every session but connID.
func (r *Room) BroadcastExcept(connID string, data []byte) {
	for _, s := range r.Sessions() {
		if s.Conn.ID() == connID {
			continue
		}
		s.Conn.Send(data)
	}
}

// SendTo delivers data to one connection, reporting whether it was queued.
func (r *Room) SendTo(connID string, data []byte) bool {
	r.sessMu.RLock()
	s, ok := r.sessions[connID]
	r.sessMu.RUnlock()
	if !ok {
		return false
	}
	return s.Conn.Send(data)
}
