// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package canvas holds the authoritative node graph of a project and the
// registry of operations that mutate it. Nodes live in an arena keyed by id;
// layer order is a separate id slice so reordering never touches node state.
package canvas

import (
	"encoding/json"
	"fmt"
)

// Vec2 is a position or size on the canvas.
type Vec2 [2]float64

// Node is a positioned element on the canvas. Media nodes reference their
// blobs by hash in Properties; payload bytes are never inlined.
type Node struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Pos         Vec2            `json:"pos"`
	Size        Vec2            `json:"size"`
	Rotation    float64         `json:"rotation"`
	AspectRatio float64         `json:"aspectRatio,omitempty"`
	Title       string          `json:"title,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Properties  map[string]any  `json:"properties,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Flags != nil {
		out.Flags = make(map[string]bool, len(n.Flags))
		for k, v := range n.Flags {
			out.Flags[k] = v
		}
	}
	if n.Properties != nil {
		out.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

// Snapshot is the full node graph of one project.
type Snapshot struct {
	nodes      map[int64]*Node
	order      []int64 // back of the slice renders on top
	nextNodeID int64
}

// NewSnapshot returns an empty graph whose first assigned node id is 1.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		nodes:      make(map[int64]*Node),
		nextNodeID: 1,
	}
}

// Node resolves a node by id, or nil.
func (s *Snapshot) Node(id int64) *Node {
	return s.nodes[id]
}

// Has reports whether a node exists.
func (s *Snapshot) Has(id int64) bool {
	_, ok := s.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (s *Snapshot) Len() int {
	return len(s.nodes)
}

// Order returns a copy of the current layer order.
func (s *Snapshot) Order() []int64 {
	out := make([]int64, len(s.order))
	copy(out, s.order)
	return out
}

// AllocateID hands out the next authoritative node id.
func (s *Snapshot) AllocateID() int64 {
	id := s.nextNodeID
	s.nextNodeID++
	return id
}

// IDWatermark returns the next id the allocator will hand out.
func (s *Snapshot) IDWatermark() int64 {
	return s.nextNodeID
}

// RewindIDWatermark returns burned ids to the allocator after a rolled-back
// apply. The caller must already have removed every node created at or past
// the mark, otherwise replay and live state assign different ids.
func (s *Snapshot) RewindIDWatermark(mark int64) {
	if mark >= 1 && mark < s.nextNodeID {
		s.nextNodeID = mark
	}
}

// Insert adds a node at the top of the layer order. Ids supplied by callers
// (replay, undo) advance the allocator past them.
func (s *Snapshot) Insert(n *Node) error {
	if n == nil {
		return fmt.Errorf("canvas: insert nil node")
	}
	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("canvas: node %d already exists", n.ID)
	}
	s.nodes[n.ID] = n
	s.order = append(s.order, n.ID)
	if n.ID >= s.nextNodeID {
		s.nextNodeID = n.ID + 1
	}
	return nil
}

// InsertAt restores a node at a specific layer position (undo of delete).
func (s *Snapshot) InsertAt(n *Node, pos int) error {
	if err := s.Insert(n); err != nil {
		return err
	}
	// Insert appended; move the id into place.
	last := len(s.order) - 1
	if pos < 0 || pos >= last {
		return nil
	}
	copy(s.order[pos+1:], s.order[pos:last])
	s.order[pos] = n.ID
	return nil
}

// Remove deletes a node and returns it with its prior layer position.
func (s *Snapshot) Remove(id int64) (*Node, int, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, -1, false
	}
	delete(s.nodes, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return n, i, true
		}
	}
	return n, -1, true
}

// SetOrder replaces the layer order. The new order must be a permutation of
// the current node set.
func (s *Snapshot) SetOrder(order []int64) error {
	if len(order) != len(s.nodes) {
		return fmt.Errorf("canvas: layer order has %d ids, graph has %d nodes", len(order), len(s.nodes))
	}
	seen := make(map[int64]struct{}, len(order))
	for _, id := range order {
		if _, ok := s.nodes[id]; !ok {
			return fmt.Errorf("canvas: layer order references unknown node %d", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("canvas: layer order repeats node %d", id)
		}
		seen[id] = struct{}{}
	}
	s.order = append(s.order[:0:0], order...)
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		nodes:      make(map[int64]*Node, len(s.nodes)),
		order:      append([]int64(nil), s.order...),
		nextNodeID: s.nextNodeID,
	}
	for id, n := range s.nodes {
		out.nodes[id] = n.Clone()
	}
	return out
}

// snapshotJSON is the persisted wire shape of a snapshot: nodes listed in
// layer order plus the id allocator watermark.
type snapshotJSON struct {
	Nodes      []*Node `json:"nodes"`
	NextNodeID int64   `json:"nextNodeId"`
}

// MarshalJSON serialises the graph with nodes in layer order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	doc := snapshotJSON{
		Nodes:      make([]*Node, 0, len(s.order)),
		NextNodeID: s.nextNodeID,
	}
	for _, id := range s.order {
		doc.Nodes = append(doc.Nodes, s.nodes[id])
	}
	return json.Marshal(doc)
}

// UnmarshalJSON rebuilds the arena and layer order from the persisted form.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var doc snapshotJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	s.nodes = make(map[int64]*Node, len(doc.Nodes))
	s.order = make([]int64, 0, len(doc.Nodes))
	s.nextNodeID = doc.NextNodeID
	if s.nextNodeID < 1 {
		s.nextNodeID = 1
	}
	for _, n := range doc.Nodes {
		if n == nil {
			continue
		}
		if _, dup := s.nodes[n.ID]; dup {
			return fmt.Errorf("canvas: snapshot repeats node %d", n.ID)
		}
		s.nodes[n.ID] = n
		s.order = append(s.order, n.ID)
		if n.ID >= s.nextNodeID {
			s.nextNodeID = n.ID + 1
		}
	}
	return nil
}
