// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package hub coordinates live collaboration per project: rooms, presence,
// the recent-operations ring and the sync protocol.
package hub

import (
	"sync"

	"github.com/ManuGH/canvashub/internal/store"
)

// Ring caches the last N accepted operations of one project for O(1)
// catch-up. Operations arrive with strictly increasing seq.
type Ring struct {
	mu    sync.Mutex
	ops   []store.Operation
	start int // index of the oldest entry
	count int
}

// NewRing creates a ring holding up to capacity operations.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{ops: make([]store.Operation, capacity)}
}

// Capacity returns the fixed ring size.
func (r *Ring) Capacity() int { return len(r.ops) }

// Append records one accepted operation, evicting the oldest when full.
func (r *Ring) Append(op store.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.ops) {
		r.ops[(r.start+r.count)%len(r.ops)] = op
		r.count++
		return
	}
	r.ops[r.start] = op
	r.start = (r.start + 1) % len(r.ops)
}

// Since returns all cached operations with seq > lastSeq in order. complete
// is false when the ring has already evicted part of the requested range;
// callers then fall back to the store.
func (r *Ring) Since(lastSeq uint64) (ops []store.Operation, complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil, false
	}
	oldest := r.ops[r.start].Seq
	newest := r.ops[(r.start+r.count-1)%len(r.ops)].Seq
	if lastSeq >= newest {
		return nil, true
	}
	complete = lastSeq+1 >= oldest
	for i := 0; i < r.count; i++ {
		op := r.ops[(r.start+i)%len(r.ops)]
		if op.Seq > lastSeq {
			ops = append(ops, op)
		}
	}
	return ops, complete
}
