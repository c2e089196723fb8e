// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"

	"github.com/ManuGH/canvashub/internal/canvas"
	"github.com/ManuGH/canvashub/internal/dedup"
	"github.com/ManuGH/canvashub/internal/hub"
	"github.com/ManuGH/canvashub/internal/persistence/sqlite"
	"github.com/ManuGH/canvashub/internal/ratelimit"
	"github.com/ManuGH/canvashub/internal/store"
	"github.com/ManuGH/canvashub/internal/telemetry"
	"github.com/ManuGH/canvashub/internal/transport"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Close()     {}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return true
}

func (c *fakeConn) last(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(c.frames[len(c.frames)-1], &out))
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fixture struct {
	store    *store.SqliteStore
	room     *hub.Room
	pipe     *Pipeline
	origin   *hub.Session
	peer     *hub.Session
	originWS *fakeConn
	peerWS   *fakeConn
	project  store.Project
	user     store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "pipe.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	u, err := s.EnsureUser(ctx, "alice", "Alice")
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, "board", u.ID, "")
	require.NoError(t, err)

	room := hub.NewRoom(p.ID, canvas.NewSnapshot(), 0, 256)
	originWS := &fakeConn{id: "conn-origin"}
	peerWS := &fakeConn{id: "conn-peer"}
	origin := &hub.Session{Conn: originWS, UserID: u.ID, Username: "alice", TabID: "tab-1"}
	peer := &hub.Session{Conn: peerWS, UserID: u.ID, Username: "alice", TabID: "tab-2"}
	room.AddSession(origin)
	room.AddSession(peer)

	pipe := New(s, dedup.NewMemory(time.Minute), nil, Config{MaxOpBytes: 1 << 20, AppendRetries: 5})
	return &fixture{
		store: s, room: room, pipe: pipe,
		origin: origin, peer: peer,
		originWS: originWS, peerWS: peerWS,
		project: p, user: u,
	}
}

func opReq(opID, opType, params string) transport.OperationRequest {
	return transport.OperationRequest{
		OperationID: opID,
		Type:        opType,
		Params:      json.RawMessage(params),
	}
}

func TestExecuteAcksAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-1", "node_create",
		`{"id":"t-17","type":"image","pos":[100,100],"size":[200,200],"properties":{"hash":"H1"}}`))

	ack := f.originWS.last(t)
	assert.JSONEq(t, `"operation_ack"`, string(ack["type"]))
	assert.JSONEq(t, `1`, string(ack["seq"]))
	assert.JSONEq(t, `{"t-17":1}`, string(ack["assignedIds"]))

	update := f.peerWS.last(t)
	assert.JSONEq(t, `"state_update"`, string(update["type"]))
	assert.JSONEq(t, `1`, string(update["stateVersion"]))
	assert.Contains(t, string(update["changes"]), `"added"`)

	// Room counter mirrors the persisted log.
	latest, err := f.store.LatestSeq(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, latest, f.room.Seq())
}

func TestExecuteDedupReplaysAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := opReq("op-1", "node_create", `{"type":"text","pos":[0,0],"size":[10,10]}`)
	f.pipe.Execute(ctx, f.room, f.origin, req)
	firstAck := f.originWS.last(t)
	peerFrames := f.peerWS.count()

	f.pipe.Execute(ctx, f.room, f.origin, req)
	secondAck := f.originWS.last(t)

	assert.Equal(t, firstAck, secondAck, "replay must return the original ack")
	assert.Equal(t, uint64(1), f.room.Seq(), "no second sequence number")
	assert.Equal(t, peerFrames, f.peerWS.count(), "no second broadcast")
}

func TestExecuteDistinctOpIDsProduceDistinctSeqs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-a", "node_create", `{"type":"text","pos":[0,0],"size":[10,10]}`))
	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-b", "node_create", `{"type":"text","pos":[0,0],"size":[10,10]}`))

	assert.Equal(t, uint64(2), f.room.Seq())
}

func TestExecuteRejections(t *testing.T) {
	tests := []struct {
		name   string
		opType string
		params string
		reason string
	}{
		{
			name:   "unknown type",
			opType: "node_teleport",
			params: `{}`,
			reason: "unknown_type",
		},
		{
			name:   "dangling reference",
			opType: "node_move",
			params: `{"nodeId":999,"position":[10,10]}`,
			reason: "not_found",
		},
		{
			name:   "inline media",
			opType: "node_create",
			params: `{"type":"image","pos":[0,0],"size":[1,1],"properties":{"src":"data:image/png;base64,AAAA"}}`,
			reason: "payload_contains_inline_media",
		},
		{
			name:   "validation failure",
			opType: "node_create",
			params: `{"type":"","pos":[0,0],"size":[1,1]}`,
			reason: "validation_failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			peerFrames := f.peerWS.count()

			f.pipe.Execute(context.Background(), f.room, f.origin, opReq("op-x", tt.opType, tt.params))

			rej := f.originWS.last(t)
			assert.JSONEq(t, `"operation_rejected"`, string(rej["type"]))
			assert.JSONEq(t, `"`+tt.reason+`"`, string(rej["reason"]))
			assert.Equal(t, peerFrames, f.peerWS.count(), "peers never see rejected operations")
			assert.Zero(t, f.room.Seq())
		})
	}
}

func TestExecutePayloadTooLarge(t *testing.T) {
	f := newFixture(t)
	f.pipe.cfg.MaxOpBytes = 16

	f.pipe.Execute(context.Background(), f.room, f.origin,
		opReq("op-1", "node_create", `{"type":"text","pos":[0,0],"size":[10,10],"title":"padding"}`))

	rej := f.originWS.last(t)
	assert.JSONEq(t, `"payload_too_large"`, string(rej["reason"]))
}

func TestExecuteRateLimited(t *testing.T) {
	f := newFixture(t)
	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate:      rate.Inf,
		PerConnRate:     1,
		PerConnBurst:    1,
		CleanupInterval: time.Hour,
	})
	f.pipe.limiter = limiter
	ctx := context.Background()

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-1", "node_create", `{"type":"text","pos":[0,0],"size":[10,10]}`))
	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-2", "node_create", `{"type":"text","pos":[0,0],"size":[10,10]}`))

	rej := f.originWS.last(t)
	assert.JSONEq(t, `"rate_limited"`, string(rej["reason"]))
	assert.Equal(t, uint64(1), f.room.Seq())
}

func TestTransactionAssignsSeqPerChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-txn", "transaction", `{
		"transactionId": "txn-1",
		"operations": [
			{"type":"node_create","params":{"id":"t-1","type":"text","pos":[0,0],"size":[10,10]}},
			{"type":"node_create","params":{"id":"t-2","type":"text","pos":[5,5],"size":[10,10]}}
		]
	}`))

	ack := f.originWS.last(t)
	assert.JSONEq(t, `"operation_ack"`, string(ack["type"]))
	assert.JSONEq(t, `2`, string(ack["seq"]))
	assert.JSONEq(t, `{"t-1":1,"t-2":2}`, string(ack["assignedIds"]))

	// One state_update per child.
	assert.Equal(t, 2, f.peerWS.count())
	assert.Equal(t, uint64(2), f.room.Seq())

	latest, err := f.store.LatestSeq(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest)
}

func TestTransactionValidationFailureAppliesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-txn", "transaction", `{
		"transactionId": "txn-1",
		"operations": [
			{"type":"node_create","params":{"type":"text","pos":[0,0],"size":[10,10]}},
			{"type":"node_move","params":{"nodeId":999,"position":[1,1]}}
		]
	}`))

	rej := f.originWS.last(t)
	assert.JSONEq(t, `"operation_rejected"`, string(rej["type"]))
	assert.Zero(t, f.room.Seq(), "a rejected transaction must not advance the log")

	latest, err := f.store.LatestSeq(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Zero(t, latest)
}

// flakyStore fails exactly one append, then delegates.
type flakyStore struct {
	Store
	failNext bool
}

func (s *flakyStore) AppendOperationRetry(ctx context.Context, projectID, userID int64, tabID, opType string, data, undoData json.RawMessage, attempts int) (uint64, error) {
	if s.failNext {
		s.failNext = false
		return 0, errors.New("disk full")
	}
	return s.Store.AppendOperationRetry(ctx, projectID, userID, tabID, opType, data, undoData, attempts)
}

func TestFailedAppendRewindsIDAllocator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store}
	f.pipe.store = flaky

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-1", "node_create",
		`{"id":"t-a","type":"text","pos":[0,0],"size":[10,10]}`))
	require.JSONEq(t, `{"t-a":1}`, string(f.originWS.last(t)["assignedIds"]))

	flaky.failNext = true
	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-2", "node_create",
		`{"id":"t-b","type":"text","pos":[1,1],"size":[10,10]}`))
	require.JSONEq(t, `"operation_rejected"`, string(f.originWS.last(t)["type"]))

	// The rolled-back create must not burn an id: the next node is 2, not 3.
	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-3", "node_create",
		`{"id":"t-c","type":"text","pos":[2,2],"size":[10,10]}`))
	require.JSONEq(t, `{"t-c":2}`, string(f.originWS.last(t)["assignedIds"]))

	live, seq, err := f.room.SnapshotJSON()
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)

	replayed := canvas.NewSnapshot()
	ops, err := f.store.OperationsSince(ctx, f.project.ID, 0, 100)
	require.NoError(t, err)
	for _, op := range ops {
		_, err := canvas.Apply(replayed, canvas.OpType(op.Type), op.Data)
		require.NoError(t, err)
	}
	blob, err := json.Marshal(replayed)
	require.NoError(t, err)
	assert.JSONEq(t, string(blob), string(live), "live state must equal a log replay id for id")
}

func TestLayerOrderUpdateCarriesNewOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-1", "node_create", `{"type":"text","pos":[0,0],"size":[10,10]}`))
	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-2", "node_create", `{"type":"text","pos":[5,5],"size":[10,10]}`))

	f.pipe.Execute(ctx, f.room, f.origin, opReq("op-3", "layer_order_change", `{"newLayerOrder":[2,1]}`))

	update := f.peerWS.last(t)
	assert.JSONEq(t, `"state_update"`, string(update["type"]))
	assert.JSONEq(t, `{"order":[2,1]}`, string(update["changes"]),
		"peers reorder from the delta alone")
}

func TestExecuteRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	f.pipe.Execute(context.Background(), f.room, f.origin,
		opReq("op-1", "node_create", `{"type":"text","pos":[0,0],"size":[10,10]}`))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pipeline.execute", spans[0].Name())
	attrs := spans[0].Attributes()
	assert.Contains(t, attrs, attribute.Int64(telemetry.ProjectIDKey, f.project.ID))
	assert.Contains(t, attrs, attribute.String(telemetry.OperationKey, "node_create"))
	assert.Contains(t, attrs, attribute.Int64(telemetry.SequenceKey, 1))
}

func TestTransactionRejectsNesting(t *testing.T) {
	f := newFixture(t)

	f.pipe.Execute(context.Background(), f.room, f.origin, opReq("op-txn", "transaction", `{
		"transactionId": "txn-1",
		"operations": [{"type":"transaction","params":{}}]
	}`))

	rej := f.originWS.last(t)
	assert.JSONEq(t, `"validation_failed"`, string(rej["reason"]))
}
