// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package hub

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/metrics"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/telemetry"
	"github.com/ManuGH/canvashub/internal/transport"
)

// SyncStore is the persistence fallback for catch-up ranges the ring has
// already evicted.
type SyncStore interface {
	OperationsSince(ctx context.Context, projectID int64, lastSeq uint64, limit int) ([]store.Operation, error)
}

// SyncService answers sync_check and request_full_sync.
type SyncService struct {
	store  SyncStore
	logger zerolog.Logger
}

// NewSyncService creates the service.
func NewSyncService(st SyncStore) *SyncService {
	return &SyncService{
		store:  st,
		logger: log.WithComponent("sync"),
	}
}

// Check classifies a client's position: in sync, delta catch-up within the
// ring window, or full resync required. The client's stateHash is advisory;
// gap detection is by seq alone.
func (s *SyncService) Check(ctx context.Context, room *Room, lastSeq uint64, stateHash string) transport.SyncResponse {
	ctx, span := telemetry.Tracer("canvashub/hub").Start(ctx, "sync.check")
	defer span.End()
	span.SetAttributes(
		attribute.Int64(telemetry.ProjectIDKey, room.ProjectID),
		attribute.Int64(telemetry.SyncLastSeqKey, int64(lastSeq)), // #nosec G115
	)
	outcome := func(o string) {
		metrics.IncSyncCheck(o)
		span.SetAttributes(attribute.String(telemetry.SyncOutcomeKey, o))
	}

	latest := room.Seq()

	resp := transport.SyncResponse{
		Type:            transport.TypeSyncResponse,
		LatestSeq:       latest,
		ServerStateHash: room.StateHash(),
	}

	if latest == lastSeq {
		outcome("in_sync")
		return resp
	}

	if lastSeq > latest || latest-lastSeq > uint64(room.RingCapacity()) {
		outcome("full_required")
		resp.NeedsSync = true
		return resp
	}

	missed, err := s.missedOps(ctx, room, lastSeq)
	if err != nil {
		s.logger.Error().Err(err).
			Int64(log.FieldProjectID, room.ProjectID).
			Uint64("last_seq", lastSeq).
			Msg("catch-up read failed")
		outcome("full_required")
		resp.NeedsSync = true
		return resp
	}

	outcome("delta")
	resp.NeedsSync = true
	resp.MissedOperations = missed
	return resp
}

// FullState serializes the canonical snapshot for a full resync.
func (s *SyncService) FullState(room *Room) (transport.FullStateSync, error) {
	blob, seq, err := room.SnapshotJSON()
	if err != nil {
		return transport.FullStateSync{}, err
	}
	return transport.FullStateSync{
		Type:         transport.TypeFullStateSync,
		State:        blob,
		StateVersion: seq,
	}, nil
}

// missedOps serves the gap from the ring, falling back to the store when
// part of the range was evicted between the seq comparison and the read.
func (s *SyncService) missedOps(ctx context.Context, room *Room, lastSeq uint64) ([]transport.MissedOperation, error) {
	ops, complete := room.RecentOps(lastSeq)
	if !complete {
		stored, err := s.store.OperationsSince(ctx, room.ProjectID, lastSeq, room.RingCapacity())
		if err != nil {
			return nil, err
		}
		ops = stored
	}

	out := make([]transport.MissedOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, transport.MissedOperation{
			Seq:  op.Seq,
			Kind: op.Type,
			Data: op.Data,
		})
	}
	return out, nil
}
