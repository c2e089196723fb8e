// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package pipeline sequences client operations: authorize, validate, dedupe,
// persist inside the project lane, then ack the originator and fan the delta
// out to peers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/dedup"
	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/metrics"
	"github.com/ManuGH/canvashub/internal/ratelimit"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/telemetry"
	"github.com/ManuGH/canvashub/internal/transport"
)

// Store is the persistence surface the pipeline appends through.
type Store interface {
	AppendOperationRetry(ctx context.Context, projectID, userID int64, tabID, opType string, data, undoData json.RawMessage, attempts int) (uint64, error)
}

// Config tunes one pipeline instance.
type Config struct {
	// MaxOpBytes caps a single operation payload.
	MaxOpBytes int
	// AppendRetries bounds sequence-conflict retries per append.
	AppendRetries int
	// DedupTTL is informational here; the cache owns the actual TTL.
	DedupTTL time.Duration
}

// Pipeline is the single ingress for execute_operation.
type Pipeline struct {
	store   Store
	dedup   dedup.Cache
	limiter *ratelimit.Limiter
	cfg     Config
	logger  zerolog.Logger
}

// New creates a Pipeline. limiter may be nil to disable throttling.
func New(st Store, dd dedup.Cache, limiter *ratelimit.Limiter, cfg Config) *Pipeline {
	if cfg.AppendRetries < 1 {
		cfg.AppendRetries = 5
	}
	return &Pipeline{
		store:   st,
		dedup:   dd,
		limiter: limiter,
		cfg:     cfg,
		logger:  log.WithComponent("pipeline"),
	}
}

// Release frees per-connection throttling state when a connection closes.
func (p *Pipeline) Release(connID string) {
	if p.limiter != nil {
		p.limiter.Release(connID)
	}
}

// transactionPayload is the envelope of a transaction operation.
type transactionPayload struct {
	TransactionID string `json:"transactionId"`
	Operations    []struct {
		Type   string          `json:"type"`
		Params json.RawMessage `json:"params"`
	} `json:"operations"`
}

// accepted is the lane's output for a successful operation.
type accepted struct {
	ack     transport.OperationAck
	updates [][]byte
}

// Execute processes one operation from an admitted session. Every outcome is
// answered on the originating connection; peers only ever see accepted state.
func (p *Pipeline) Execute(ctx context.Context, room *hub.Room, sess *hub.Session, req transport.OperationRequest) {
	start := time.Now()
	opType := req.Type

	ctx, span := telemetry.Tracer("canvashub/pipeline").Start(ctx, "pipeline.execute")
	defer span.End()
	span.SetAttributes(telemetry.OperationAttributes(room.ProjectID, req.OperationID, opType, 0)...)

	if p.limiter != nil && !p.limiter.Allow(sess.Conn.ID()) {
		p.reject(ctx, room, sess, req.OperationID, opType, transport.ReasonRateLimited, "operation rate exceeded")
		return
	}
	if p.cfg.MaxOpBytes > 0 && len(req.Params) > p.cfg.MaxOpBytes {
		p.reject(ctx, room, sess, req.OperationID, opType, transport.ReasonPayloadTooLarge,
			fmt.Sprintf("payload %d bytes exceeds limit %d", len(req.Params), p.cfg.MaxOpBytes))
		return
	}
	if canvas.ContainsInlineMedia(req.Params) {
		p.reject(ctx, room, sess, req.OperationID, opType, transport.ReasonInlineMedia,
			"payloads must reference media by hash, not data URI")
		return
	}
	if !canvas.Registered(canvas.OpType(opType)) {
		p.reject(ctx, room, sess, req.OperationID, opType, transport.ReasonUnknownType,
			fmt.Sprintf("unknown operation type %q", opType))
		return
	}

	if p.dedup != nil && req.OperationID != "" {
		if ack, hit, err := p.dedup.Check(ctx, req.OperationID); err == nil && hit {
			metrics.IncOperation(opType, "dedup")
			room.SendTo(sess.Conn.ID(), ack)
			return
		} else if err != nil {
			p.logger.Warn().Err(err).Str(log.FieldOperationID, req.OperationID).Msg("dedup check failed")
		}
	}

	var out accepted
	err := room.Execute(func(snap *canvas.Snapshot, seq uint64) (uint64, error) {
		var err error
		if canvas.OpType(opType) == canvas.OpTransaction {
			out, seq, err = p.applyTransaction(ctx, room, sess, snap, seq, req)
		} else {
			out, seq, err = p.applySingle(ctx, room, sess, snap, seq, req)
		}
		return seq, err
	})
	if err != nil {
		reason, detail := classify(err)
		p.reject(ctx, room, sess, req.OperationID, opType, reason, detail)
		return
	}
	span.SetAttributes(attribute.Int64(telemetry.SequenceKey, int64(out.ack.Seq))) // #nosec G115

	ackFrame := transport.Marshal(out.ack)
	if p.dedup != nil && req.OperationID != "" {
		if err := p.dedup.Remember(ctx, req.OperationID, ackFrame); err != nil {
			p.logger.Warn().Err(err).Str(log.FieldOperationID, req.OperationID).Msg("dedup remember failed")
		}
	}

	room.SendTo(sess.Conn.ID(), ackFrame)
	for _, update := range out.updates {
		metrics.IncBroadcast(string(transport.TypeStateUpdate))
		room.BroadcastExcept(sess.Conn.ID(), update)
	}

	metrics.IncOperation(opType, "accepted")
	metrics.ObserveOperation(opType, time.Since(start))
	p.logger.Debug().
		Str(log.FieldOperationID, req.OperationID).
		Str(log.FieldOpType, opType).
		Uint64(log.FieldSeq, out.ack.Seq).
		Int64(log.FieldProjectID, room.ProjectID).
		Msg("operation accepted")
}

// applySingle runs one plain operation inside the lane: apply to the live
// snapshot, persist with the server-generated undo, roll back on append
// failure so the snapshot never drifts from the log.
func (p *Pipeline) applySingle(ctx context.Context, room *hub.Room, sess *hub.Session, snap *canvas.Snapshot, seq uint64, req transport.OperationRequest) (accepted, uint64, error) {
	mark := snap.IDWatermark()
	res, err := canvas.Apply(snap, canvas.OpType(req.Type), req.Params)
	if err != nil {
		return accepted{}, seq, err
	}

	newSeq, err := p.store.AppendOperationRetry(ctx, room.ProjectID, sess.UserID, sess.TabID,
		req.Type, req.Params, res.Undo, p.cfg.AppendRetries)
	if err != nil {
		// Undo removes created nodes; rewinding the allocator keeps the live
		// snapshot id-for-id equal to a replay of the log.
		if uerr := canvas.Unapply(snap, canvas.OpType(req.Type), res.Undo); uerr != nil {
			p.logger.Error().Err(uerr).
				Int64(log.FieldProjectID, room.ProjectID).
				Msg("rollback after failed append")
		} else {
			snap.RewindIDWatermark(mark)
		}
		return accepted{}, seq, err
	}

	room.RecordOp(store.Operation{
		ProjectID: room.ProjectID,
		UserID:    sess.UserID,
		TabID:     sess.TabID,
		Type:      req.Type,
		Data:      req.Params,
		UndoData:  res.Undo,
		Seq:       newSeq,
	})

	out := accepted{
		ack: transport.OperationAck{
			Type:        transport.TypeOperationAck,
			OperationID: req.OperationID,
			Seq:         newSeq,
			AssignedIDs: res.AssignedIDs,
		},
		updates: [][]byte{p.stateUpdate(newSeq, req.OperationID, sess, res.Changes)},
	}
	return out, newSeq, nil
}

// applyTransaction expands a transaction into its children, one seq each.
// All children are validated against a scratch copy first, so a validation
// failure rejects the whole batch before anything mutates.
func (p *Pipeline) applyTransaction(ctx context.Context, room *hub.Room, sess *hub.Session, snap *canvas.Snapshot, seq uint64, req transport.OperationRequest) (accepted, uint64, error) {
	var txn transactionPayload
	if err := json.Unmarshal(req.Params, &txn); err != nil {
		return accepted{}, seq, fmt.Errorf("%w: transaction payload: %v", canvas.ErrValidation, err)
	}
	if len(txn.Operations) == 0 {
		return accepted{}, seq, fmt.Errorf("%w: empty transaction", canvas.ErrValidation)
	}

	scratch := snap.Clone()
	for i, child := range txn.Operations {
		if canvas.OpType(child.Type) == canvas.OpTransaction {
			return accepted{}, seq, fmt.Errorf("%w: nested transaction", canvas.ErrValidation)
		}
		if _, err := canvas.Apply(scratch, canvas.OpType(child.Type), child.Params); err != nil {
			return accepted{}, seq, fmt.Errorf("transaction child %d: %w", i, err)
		}
	}

	out := accepted{
		ack: transport.OperationAck{
			Type:        transport.TypeOperationAck,
			OperationID: req.OperationID,
		},
	}
	for i, child := range txn.Operations {
		mark := snap.IDWatermark()
		res, err := canvas.Apply(snap, canvas.OpType(child.Type), child.Params)
		if err != nil {
			// Pre-validation makes this unreachable short of a logic bug.
			return accepted{}, seq, fmt.Errorf("transaction child %d: %w", i, err)
		}
		newSeq, err := p.store.AppendOperationRetry(ctx, room.ProjectID, sess.UserID, sess.TabID,
			child.Type, child.Params, res.Undo, p.cfg.AppendRetries)
		if err != nil {
			if uerr := canvas.Unapply(snap, canvas.OpType(child.Type), res.Undo); uerr != nil {
				p.logger.Error().Err(uerr).Msg("rollback after failed transaction append")
			} else {
				snap.RewindIDWatermark(mark)
			}
			// Committed children stand; the remainder is refused.
			return accepted{}, seq, fmt.Errorf("transaction child %d: %w", i, err)
		}
		seq = newSeq

		room.RecordOp(store.Operation{
			ProjectID: room.ProjectID,
			UserID:    sess.UserID,
			TabID:     sess.TabID,
			Type:      child.Type,
			Data:      child.Params,
			UndoData:  res.Undo,
			Seq:       newSeq,
		})
		for tmp, id := range res.AssignedIDs {
			if out.ack.AssignedIDs == nil {
				out.ack.AssignedIDs = make(map[string]int64)
			}
			out.ack.AssignedIDs[tmp] = id
		}
		out.updates = append(out.updates, p.stateUpdate(newSeq, req.OperationID, sess, res.Changes))
	}
	out.ack.Seq = seq
	return out, seq, nil
}

func (p *Pipeline) stateUpdate(seq uint64, opID string, sess *hub.Session, changes canvas.Change) []byte {
	payload, err := json.Marshal(changes)
	if err != nil {
		payload = []byte("{}")
	}
	return transport.Marshal(transport.StateUpdate{
		Type:         transport.TypeStateUpdate,
		StateVersion: seq,
		OperationID:  opID,
		Changes:      payload,
		OriginUserID: sess.UserID,
		OriginTabID:  sess.TabID,
	})
}

func (p *Pipeline) reject(ctx context.Context, room *hub.Room, sess *hub.Session, opID, opType string, reason transport.RejectReason, detail string) {
	metrics.IncOperation(opType, "rejected")
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(telemetry.ErrorAttributes(fmt.Errorf("%s: %s", reason, detail))...)
	span.SetStatus(codes.Error, string(reason))
	p.logger.Info().
		Str(log.FieldOperationID, opID).
		Str(log.FieldOpType, opType).
		Str(log.FieldReason, string(reason)).
		Int64(log.FieldProjectID, room.ProjectID).
		Msg("operation rejected")
	room.SendTo(sess.Conn.ID(), transport.Marshal(transport.OperationRejected{
		Type:        transport.TypeOperationRejected,
		OperationID: opID,
		Reason:      reason,
		Error:       detail,
	}))
}

// classify maps pipeline errors onto protocol reject reasons.
func classify(err error) (transport.RejectReason, string) {
	switch {
	case errors.Is(err, canvas.ErrUnknownType):
		return transport.ReasonUnknownType, err.Error()
	case errors.Is(err, canvas.ErrNotFound):
		return transport.ReasonNotFound, err.Error()
	case errors.Is(err, canvas.ErrInlineMedia):
		return transport.ReasonInlineMedia, err.Error()
	case errors.Is(err, canvas.ErrValidation):
		return transport.ReasonValidationFailed, err.Error()
	case errors.Is(err, store.ErrConflict):
		return transport.ReasonSequenceConflict, "sequence conflict retries exhausted"
	default:
		return transport.ReasonInternal, "internal error"
	}
}
