// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package canvas

import (
	"bytes"
	"encoding/json"
)

// OpType identifies a registered operation.
type OpType string

const (
	OpNodeCreate              OpType = "node_create"
	OpNodeDelete              OpType = "node_delete"
	OpNodeMove                OpType = "node_move"
	OpNodeResize              OpType = "node_resize"
	OpNodeRotate              OpType = "node_rotate"
	OpNodePropertyUpdate      OpType = "node_property_update"
	OpNodeBatchPropertyUpdate OpType = "node_batch_property_update"
	OpLayerOrderChange        OpType = "layer_order_change"

	// OpTransaction is expanded into its children by the pipeline; it has no
	// handler of its own.
	OpTransaction OpType = "transaction"
)

// Change lists the graph delta an operation produced, in broadcast shape.
// Order carries the full layer order after a reorder; it is empty for
// operations that leave layering untouched.
type Change struct {
	Added   []*Node `json:"added,omitempty"`
	Updated []*Node `json:"updated,omitempty"`
	Removed []int64 `json:"removed,omitempty"`
	Order   []int64 `json:"order,omitempty"`
}

// Result is the outcome of applying one operation.
type Result struct {
	Changes     Change
	Undo        json.RawMessage
	AssignedIDs map[string]int64 // temp client id -> server node id
}

type handler struct {
	validate func(s *Snapshot, data json.RawMessage) error
	apply    func(s *Snapshot, data json.RawMessage) (*Result, error)
	unapply  func(s *Snapshot, undo json.RawMessage) error
}

var handlers = map[OpType]handler{
	OpNodeCreate:              {validateCreate, applyCreate, unapplyCreate},
	OpNodeDelete:              {validateDelete, applyDelete, unapplyDelete},
	OpNodeMove:                {validateMove, applyMove, unapplyMove},
	OpNodeResize:              {validateResize, applyResize, unapplyResize},
	OpNodeRotate:              {validateRotate, applyRotate, unapplyRotate},
	OpNodePropertyUpdate:      {validatePropertyUpdate, applyPropertyUpdate, unapplyPropertyUpdate},
	OpNodeBatchPropertyUpdate: {validateBatchPropertyUpdate, applyBatchPropertyUpdate, unapplyBatchPropertyUpdate},
	OpLayerOrderChange:        {validateLayerOrder, applyLayerOrder, unapplyLayerOrder},
}

// Registered reports whether t names a known operation, transaction included.
func Registered(t OpType) bool {
	if t == OpTransaction {
		return true
	}
	_, ok := handlers[t]
	return ok
}

// RegisteredTypes lists all operation types, for the health endpoint.
func RegisteredTypes() []OpType {
	out := make([]OpType, 0, len(handlers)+1)
	for t := range handlers {
		out = append(out, t)
	}
	return append(out, OpTransaction)
}

// Validate checks an operation payload against the current graph without
// mutating it.
func Validate(s *Snapshot, t OpType, data json.RawMessage) error {
	h, ok := handlers[t]
	if !ok {
		return ErrUnknownType
	}
	return h.validate(s, data)
}

// Apply validates and applies an operation, returning the delta, the
// server-generated undo payload and any temp-id assignments.
func Apply(s *Snapshot, t OpType, data json.RawMessage) (*Result, error) {
	h, ok := handlers[t]
	if !ok {
		return nil, ErrUnknownType
	}
	if err := h.validate(s, data); err != nil {
		return nil, err
	}
	return h.apply(s, data)
}

// Unapply reverses a previously applied operation using its undo payload.
func Unapply(s *Snapshot, t OpType, undo json.RawMessage) error {
	h, ok := handlers[t]
	if !ok {
		return ErrUnknownType
	}
	return h.unapply(s, undo)
}

// A data URI used as a value starts its JSON string, so the quote anchors the
// match; "metadata:" inside prose does not trip it. Encoding does not matter:
// plain-text data URIs smuggle payloads just as well as base64 ones.
var dataURIPrefix = []byte(`"data:`)

// ContainsInlineMedia reports whether a serialized payload smuggles media as
// a data URI. Clients must upload blobs first and reference by hash.
func ContainsInlineMedia(payload []byte) bool {
	return bytes.Contains(payload, dataURIPrefix)
}
