// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/canvashub/internal/store"
)

func ringOp(seq uint64) store.Operation {
	return store.Operation{Seq: seq, Type: "node_move"}
}

func TestRingSinceWithinWindow(t *testing.T) {
	r := NewRing(4)
	for seq := uint64(1); seq <= 4; seq++ {
		r.Append(ringOp(seq))
	}

	ops, complete := r.Since(2)
	require.True(t, complete)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(3), ops[0].Seq)
	assert.Equal(t, uint64(4), ops[1].Seq)
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)
	for seq := uint64(1); seq <= 5; seq++ {
		r.Append(ringOp(seq))
	}

	// Window now holds 3..5; seq 1 and 2 are gone.
	ops, complete := r.Since(2)
	assert.True(t, complete, "lastSeq+1 == oldest is still fully served")
	assert.Len(t, ops, 3)

	ops, complete = r.Since(1)
	assert.False(t, complete, "requesting evicted seq 2 must flag incompleteness")
	assert.Len(t, ops, 3)
}

func TestRingCaughtUpClient(t *testing.T) {
	r := NewRing(4)
	r.Append(ringOp(1))
	r.Append(ringOp(2))

	ops, complete := r.Since(2)
	assert.True(t, complete)
	assert.Empty(t, ops)
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(4)
	ops, complete := r.Since(0)
	assert.False(t, complete)
	assert.Empty(t, ops)
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, 1, r.Capacity())
}
