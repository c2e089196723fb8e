// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/transport"
)

// handleWS upgrades the connection and runs the collaboration protocol until
// the client disconnects or times out.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := transport.Upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		return
	}

	conn := transport.NewConn(ws, s.wsOpts)
	go conn.WritePump()

	c := &wsClient{
		srv:    s,
		conn:   conn,
		ctx:    log.ContextWithConnectionID(context.Background(), conn.ID()),
		logger: s.logger.With().Str(log.FieldConnectionID, conn.ID()).Logger(),
	}
	conn.ReadPump(c.handle)

	// Teardown also covers clients that never joined.
	s.deps.Hub.Leave(c.ctx, conn.ID())
	s.deps.Pipeline.Release(conn.ID())
}

// wsClient is the per-connection protocol state. handle runs on the read
// pump's goroutine, so room and sess need no locking.
type wsClient struct {
	srv    *Server
	conn   *transport.Conn
	ctx    context.Context
	logger zerolog.Logger

	room *hub.Room
	sess *hub.Session
}

func (c *wsClient) handle(data []byte) {
	msg, err := transport.ParseClientMessage(data)
	if err != nil {
		c.reject("", transport.ReasonValidationFailed, "malformed frame")
		return
	}

	switch msg.Type {
	case transport.TypeJoinProject:
		c.join(msg)
	case transport.TypeLeaveProject:
		c.srv.deps.Hub.Leave(c.ctx, c.conn.ID())
		c.room, c.sess = nil, nil
	case transport.TypeExecuteOp:
		if c.room == nil {
			c.reject(msg.Operation.OperationID, transport.ReasonNotAuthenticated, "join a project first")
			return
		}
		c.srv.deps.Pipeline.Execute(c.ctx, c.room, c.sess, *msg.Operation)
	case transport.TypeSyncCheck:
		if c.room == nil {
			c.reject("", transport.ReasonNotAuthenticated, "join a project first")
			return
		}
		resp := c.srv.deps.Sync.Check(c.ctx, c.room, msg.LastSeq, msg.StateHash)
		c.conn.Send(transport.Marshal(resp))
	case transport.TypeRequestFullSync:
		if c.room == nil {
			c.reject("", transport.ReasonNotAuthenticated, "join a project first")
			return
		}
		full, err := c.srv.deps.Sync.FullState(c.room)
		if err != nil {
			c.reject("", transport.ReasonInternal, "snapshot serialization failed")
			return
		}
		c.conn.Send(transport.Marshal(full))
	case transport.TypeHeartbeat:
		ts := msg.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		c.conn.Send(transport.Marshal(transport.HeartbeatResponse{
			Type:      transport.TypeHeartbeatResponse,
			Timestamp: ts,
		}))
	default:
		c.reject("", transport.ReasonUnknownType, "unknown message type")
	}
}

func (c *wsClient) join(msg transport.ClientMessage) {
	if msg.Username == "" {
		c.reject("", transport.ReasonNotAuthenticated, "username is required")
		return
	}

	res, err := c.srv.deps.Hub.Join(c.ctx, c.conn, msg.ProjectID, msg.Username, msg.DisplayName, msg.TabID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.reject("", transport.ReasonNotFound, "project not found")
		} else {
			c.logger.Error().Err(err).Int64(log.FieldProjectID, msg.ProjectID).Msg("join failed")
			c.reject("", transport.ReasonInternal, "join failed")
		}
		return
	}

	c.room, c.sess = res.Room, res.Session
	c.conn.Send(transport.Marshal(transport.ProjectJoined{
		Type:    transport.TypeProjectJoined,
		Project: transport.Marshal(toProjectBody(res.Project)),
		Session: transport.SessionInfo{
			ConnectionID: c.conn.ID(),
			UserID:       res.User.ID,
			TabID:        msg.TabID,
		},
		SequenceNumber: res.Seq,
	}))
}

func (c *wsClient) reject(opID string, reason transport.RejectReason, detail string) {
	c.conn.Send(transport.Marshal(transport.OperationRejected{
		Type:        transport.TypeOperationRejected,
		OperationID: opID,
		Reason:      reason,
		Error:       detail,
	}))
}
