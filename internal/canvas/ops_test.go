// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package canvas

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustApply(t *testing.T, s *Snapshot, typ OpType, payload string) *Result {
	t.Helper()
	res, err := Apply(s, typ, json.RawMessage(payload))
	require.NoError(t, err)
	return res
}

func snapshotBytes(t *testing.T, s *Snapshot) []byte {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return b
}

func seedImage(t *testing.T, s *Snapshot) int64 {
	t.Helper()
	res := mustApply(t, s, OpNodeCreate,
		`{"type":"image","pos":[100,100],"size":[200,200],"properties":{"hash":"H1"}}`)
	return res.Changes.Added[0].ID
}

func TestCreateAssignsServerIDAndTempMapping(t *testing.T) {
	s := NewSnapshot()
	res := mustApply(t, s, OpNodeCreate,
		`{"id":"t-17","type":"image","pos":[50,50],"size":[10,10]}`)

	require.Len(t, res.Changes.Added, 1)
	n := res.Changes.Added[0]
	assert.Equal(t, int64(1), n.ID)
	assert.Equal(t, map[string]int64{"t-17": 1}, res.AssignedIDs)
	assert.True(t, s.Has(1))

	// A second create gets the next id; no temp id means no mapping.
	res2 := mustApply(t, s, OpNodeCreate,
		`{"type":"text","pos":[0,0],"size":[10,10]}`)
	assert.Equal(t, int64(2), res2.Changes.Added[0].ID)
	assert.Nil(t, res2.AssignedIDs)
}

func TestApplyThenUnapplyIsByteEquivalent(t *testing.T) {
	tests := []struct {
		name    string
		typ     OpType
		payload func(id int64) string
	}{
		{"move", OpNodeMove, func(id int64) string {
			return `{"nodeId":` + itoa(id) + `,"position":[10,10]}`
		}},
		{"resize", OpNodeResize, func(id int64) string {
			return `{"nodeId":` + itoa(id) + `,"size":[300,150]}`
		}},
		{"rotate", OpNodeRotate, func(id int64) string {
			return `{"nodeId":` + itoa(id) + `,"rotation":450}`
		}},
		{"property update", OpNodePropertyUpdate, func(id int64) string {
			return `{"nodeId":` + itoa(id) + `,"property":"opacity","value":0.5}`
		}},
		{"batch property update", OpNodeBatchPropertyUpdate, func(id int64) string {
			return `{"updates":[` +
				`{"nodeId":` + itoa(id) + `,"property":"opacity","value":0.5},` +
				`{"nodeId":` + itoa(id) + `,"property":"opacity","value":0.7}]}`
		}},
		{"delete", OpNodeDelete, func(id int64) string {
			return `{"nodeIds":[` + itoa(id) + `]}`
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSnapshot()
			id := seedImage(t, s)
			seedImage(t, s) // second node so order restoration matters

			before := snapshotBytes(t, s)
			res := mustApply(t, s, tt.typ, tt.payload(id))
			require.NotEqual(t, string(before), string(snapshotBytes(t, s)), "operation must change the graph")

			require.NoError(t, Unapply(s, tt.typ, res.Undo))
			if diff := cmp.Diff(string(before), string(snapshotBytes(t, s))); diff != "" {
				t.Errorf("snapshot not restored (-before +after):\n%s", diff)
			}
		})
	}
}

func TestCreateUndoRemovesNode(t *testing.T) {
	s := NewSnapshot()
	before := snapshotBytes(t, s)
	res := mustApply(t, s, OpNodeCreate, `{"type":"image","pos":[1,2],"size":[3,4]}`)
	require.NoError(t, Unapply(s, OpNodeCreate, res.Undo))
	assert.Equal(t, string(before), string(snapshotBytes(t, s)))
}

func TestLayerOrderChangeRoundTrip(t *testing.T) {
	s := NewSnapshot()
	a := seedImage(t, s)
	b := seedImage(t, s)
	c := seedImage(t, s)
	require.Equal(t, []int64{a, b, c}, s.Order())

	payload, _ := json.Marshal(layerOrderPayload{NewLayerOrder: []int64{c, a, b}})
	res := mustApply(t, s, OpLayerOrderChange, string(payload))
	assert.Equal(t, []int64{c, a, b}, s.Order())
	assert.Equal(t, []int64{c, a, b}, res.Changes.Order, "peers need the new order in the delta")

	require.NoError(t, Unapply(s, OpLayerOrderChange, res.Undo))
	assert.Equal(t, []int64{a, b, c}, s.Order())
}

func TestLayerOrderChangeRejectsBadOrders(t *testing.T) {
	s := NewSnapshot()
	a := seedImage(t, s)
	b := seedImage(t, s)

	tests := []struct {
		name    string
		order   []int64
		wantErr error
	}{
		{"missing node", []int64{a}, ErrValidation},
		{"unknown node", []int64{a, 999}, ErrNotFound},
		{"duplicate", []int64{a, a}, ErrValidation},
	}
	_ = b
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(layerOrderPayload{NewLayerOrder: tt.order})
			err := Validate(s, OpLayerOrderChange, payload)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMoveDanglingReferenceIsNotFound(t *testing.T) {
	s := NewSnapshot()
	err := Validate(s, OpNodeMove, json.RawMessage(`{"nodeId":999,"position":[10,10]}`))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Apply(s, OpNodeMove, json.RawMessage(`{"nodeId":999,"position":[10,10]}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateNormalizesModulo360(t *testing.T) {
	s := NewSnapshot()
	id := seedImage(t, s)

	mustApply(t, s, OpNodeRotate, `{"nodeId":`+itoa(id)+`,"rotation":450}`)
	assert.InDelta(t, 90, s.Node(id).Rotation, 1e-9)

	mustApply(t, s, OpNodeRotate, `{"nodeId":`+itoa(id)+`,"rotation":-90}`)
	assert.InDelta(t, 270, s.Node(id).Rotation, 1e-9)
}

func TestResizeRecomputesAspectOutsideTolerance(t *testing.T) {
	s := NewSnapshot()
	id := seedImage(t, s)

	// Declared ratio matches geometry within 1e-3: kept as declared.
	mustApply(t, s, OpNodeResize, `{"nodeId":`+itoa(id)+`,"size":[200,100],"aspectRatio":2.0004}`)
	assert.InDelta(t, 2.0004, s.Node(id).AspectRatio, 1e-9)

	// Declared ratio off by more than tolerance: recomputed from geometry.
	mustApply(t, s, OpNodeResize, `{"nodeId":`+itoa(id)+`,"size":[200,100],"aspectRatio":1.5}`)
	assert.InDelta(t, 2.0, s.Node(id).AspectRatio, 1e-9)
}

func TestDeleteToleratesAbsentNodes(t *testing.T) {
	s := NewSnapshot()
	id := seedImage(t, s)

	res := mustApply(t, s, OpNodeDelete, `{"nodeIds":[`+itoa(id)+`,999]}`)
	assert.Equal(t, []int64{id}, res.Changes.Removed)
	assert.Equal(t, 0, s.Len())
}

func TestUnknownType(t *testing.T) {
	s := NewSnapshot()
	_, err := Apply(s, "node_explode", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.False(t, Registered("node_explode"))
	assert.True(t, Registered(OpTransaction))
}

func TestContainsInlineMedia(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"data uri image", `{"properties":{"src":"data:image/png;base64,iVBORw0KGgo"}}`, true},
		{"data uri video", `{"properties":{"src":"data:video/mp4;base64,AAAA"}}`, true},
		{"data uri svg without base64", `{"properties":{"src":"data:image/svg+xml,<svg onload=x/>"}}`, true},
		{"hash reference", `{"properties":{"hash":"ab12cd"}}`, false},
		{"plain data word", `{"title":"see data: quarterly report"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsInlineMedia([]byte(tt.payload)))
		})
	}
}

func TestReplayReproducesGraph(t *testing.T) {
	live := NewSnapshot()
	var ops []LoggedOp
	record := func(typ OpType, payload string) {
		ops = append(ops, LoggedOp{Seq: uint64(len(ops) + 1), Type: typ, Data: json.RawMessage(payload)})
		mustApply(t, live, typ, payload)
	}

	record(OpNodeCreate, `{"type":"image","pos":[100,100],"size":[200,200],"properties":{"hash":"H1"}}`)
	record(OpNodeCreate, `{"type":"text","pos":[300,100],"size":[120,40],"title":"caption"}`)
	record(OpNodeMove, `{"nodeId":1,"position":[150,150]}`)
	record(OpNodePropertyUpdate, `{"nodeId":2,"property":"fontSize","value":14}`)
	record(OpNodeDelete, `{"nodeIds":[1]}`)

	replayed := NewSnapshot()
	require.NoError(t, Replay(replayed, ops))

	if diff := cmp.Diff(string(snapshotBytes(t, live)), string(snapshotBytes(t, replayed))); diff != "" {
		t.Errorf("replay diverged (-live +replayed):\n%s", diff)
	}
}

func TestSnapshotJSONRoundTrip(t *testing.T) {
	s := NewSnapshot()
	seedImage(t, s)
	seedImage(t, s)
	mustApply(t, s, OpNodeDelete, `{"nodeIds":[1]}`)

	raw := snapshotBytes(t, s)
	restored := NewSnapshot()
	require.NoError(t, json.Unmarshal(raw, restored))
	assert.Equal(t, string(raw), string(snapshotBytes(t, restored)))

	// Id allocation continues past the highest ever assigned id.
	assert.Equal(t, int64(3), restored.AllocateID())
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
