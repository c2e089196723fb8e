// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package canvas

import (
	"encoding/json"
	"math"
)

const aspectTolerance = 1e-3

// --- node_create ---

type createPayload struct {
	TempID      string          `json:"id,omitempty"` // client-generated placeholder
	Type        string          `json:"type"`
	Pos         *Vec2           `json:"pos"`
	Size        *Vec2           `json:"size"`
	Rotation    float64         `json:"rotation,omitempty"`
	AspectRatio float64         `json:"aspectRatio,omitempty"`
	Title       string          `json:"title,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Properties  map[string]any  `json:"properties,omitempty"`
}

type createUndo struct {
	NodeIDs []int64 `json:"nodeIds"`
}

func validateCreate(_ *Snapshot, data json.RawMessage) error {
	var p createPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("node_create: %v", err)
	}
	if p.Type == "" {
		return validationf("node_create: type is required")
	}
	if p.Pos == nil {
		return validationf("node_create: pos is required")
	}
	if p.Size == nil {
		return validationf("node_create: size is required")
	}
	if p.Size[0] <= 0 || p.Size[1] <= 0 {
		return validationf("node_create: size must be positive, got [%g,%g]", p.Size[0], p.Size[1])
	}
	return nil
}

func applyCreate(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p createPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("node_create: %v", err)
	}
	n := &Node{
		ID:          s.AllocateID(),
		Type:        p.Type,
		Pos:         *p.Pos,
		Size:        *p.Size,
		Rotation:    normalizeRotation(p.Rotation),
		AspectRatio: p.AspectRatio,
		Title:       p.Title,
		Flags:       p.Flags,
		Properties:  p.Properties,
	}
	if n.AspectRatio == 0 && n.Size[1] != 0 {
		n.AspectRatio = n.Size[0] / n.Size[1]
	}
	if err := s.Insert(n); err != nil {
		return nil, err
	}

	undo, err := json.Marshal(createUndo{NodeIDs: []int64{n.ID}})
	if err != nil {
		return nil, err
	}
	res := &Result{
		Changes: Change{Added: []*Node{n.Clone()}},
		Undo:    undo,
	}
	if p.TempID != "" {
		res.AssignedIDs = map[string]int64{p.TempID: n.ID}
	}
	return res, nil
}

func unapplyCreate(s *Snapshot, undo json.RawMessage) error {
	var u createUndo
	if err := json.Unmarshal(undo, &u); err != nil {
		return validationf("node_create undo: %v", err)
	}
	for _, id := range u.NodeIDs {
		s.Remove(id)
	}
	return nil
}

// --- node_delete ---

type deletePayload struct {
	NodeIDs []int64 `json:"nodeIds"`
}

type deletedNode struct {
	Node     *Node `json:"node"`
	LayerPos int   `json:"layerPos"`
}

type deleteUndo struct {
	Nodes []deletedNode `json:"nodes"`
}

func validateDelete(_ *Snapshot, data json.RawMessage) error {
	var p deletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("node_delete: %v", err)
	}
	if len(p.NodeIDs) == 0 {
		return validationf("node_delete: nodeIds is required")
	}
	return nil
}

func applyDelete(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p deletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("node_delete: %v", err)
	}
	var removed []int64
	var prior []deletedNode
	for _, id := range p.NodeIDs {
		// Absent nodes are tolerated: concurrent deletes race benignly.
		if n, pos, ok := s.Remove(id); ok {
			removed = append(removed, id)
			prior = append(prior, deletedNode{Node: n, LayerPos: pos})
		}
	}
	undo, err := json.Marshal(deleteUndo{Nodes: prior})
	if err != nil {
		return nil, err
	}
	return &Result{
		Changes: Change{Removed: removed},
		Undo:    undo,
	}, nil
}

func unapplyDelete(s *Snapshot, undo json.RawMessage) error {
	var u deleteUndo
	if err := json.Unmarshal(undo, &u); err != nil {
		return validationf("node_delete undo: %v", err)
	}
	// Restore bottom-most first so layer positions land where they were.
	nodes := append([]deletedNode(nil), u.Nodes...)
	for i := 0; i < len(nodes); i++ {
		min := i
		for j := i + 1; j < len(nodes); j++ {
			if nodes[j].LayerPos < nodes[min].LayerPos {
				min = j
			}
		}
		nodes[i], nodes[min] = nodes[min], nodes[i]
	}
	for _, dn := range nodes {
		if err := s.InsertAt(dn.Node, dn.LayerPos); err != nil {
			return err
		}
	}
	return nil
}

// --- node_move ---

type movePayload struct {
	NodeID    *int64  `json:"nodeId,omitempty"`
	Position  *Vec2   `json:"position,omitempty"`
	NodeIDs   []int64 `json:"nodeIds,omitempty"`
	Positions []Vec2  `json:"positions,omitempty"`
}

type nodePosition struct {
	NodeID   int64 `json:"nodeId"`
	Position Vec2  `json:"position"`
}

func (p *movePayload) pairs() ([]nodePosition, error) {
	if p.NodeID != nil {
		if p.Position == nil {
			return nil, validationf("node_move: position is required")
		}
		return []nodePosition{{NodeID: *p.NodeID, Position: *p.Position}}, nil
	}
	if len(p.NodeIDs) == 0 {
		return nil, validationf("node_move: nodeId or nodeIds is required")
	}
	if len(p.NodeIDs) != len(p.Positions) {
		return nil, validationf("node_move: %d nodeIds but %d positions", len(p.NodeIDs), len(p.Positions))
	}
	out := make([]nodePosition, len(p.NodeIDs))
	for i := range p.NodeIDs {
		out[i] = nodePosition{NodeID: p.NodeIDs[i], Position: p.Positions[i]}
	}
	return out, nil
}

func validateMove(s *Snapshot, data json.RawMessage) error {
	var p movePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("node_move: %v", err)
	}
	pairs, err := p.pairs()
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if !s.Has(pair.NodeID) {
			return notFoundf("node %d", pair.NodeID)
		}
	}
	return nil
}

func applyMove(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p movePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("node_move: %v", err)
	}
	pairs, err := p.pairs()
	if err != nil {
		return nil, err
	}
	prior := make([]nodePosition, 0, len(pairs))
	updated := make([]*Node, 0, len(pairs))
	for _, pair := range pairs {
		n := s.Node(pair.NodeID)
		prior = append(prior, nodePosition{NodeID: n.ID, Position: n.Pos})
		n.Pos = pair.Position
		updated = append(updated, n.Clone())
	}
	undo, err := json.Marshal(prior)
	if err != nil {
		return nil, err
	}
	return &Result{Changes: Change{Updated: updated}, Undo: undo}, nil
}

func unapplyMove(s *Snapshot, undo json.RawMessage) error {
	var prior []nodePosition
	if err := json.Unmarshal(undo, &prior); err != nil {
		return validationf("node_move undo: %v", err)
	}
	for _, pair := range prior {
		n := s.Node(pair.NodeID)
		if n == nil {
			return notFoundf("node %d", pair.NodeID)
		}
		n.Pos = pair.Position
	}
	return nil
}

// --- node_resize ---

type resizePayload struct {
	NodeID      *int64  `json:"nodeId,omitempty"`
	Size        *Vec2   `json:"size,omitempty"`
	NodeIDs     []int64 `json:"nodeIds,omitempty"`
	Sizes       []Vec2  `json:"sizes,omitempty"`
	AspectRatio float64 `json:"aspectRatio,omitempty"`
}

type nodeSize struct {
	NodeID      int64   `json:"nodeId"`
	Size        Vec2    `json:"size"`
	AspectRatio float64 `json:"aspectRatio"`
}

func (p *resizePayload) pairs() ([]nodeSize, error) {
	if p.NodeID != nil {
		if p.Size == nil {
			return nil, validationf("node_resize: size is required")
		}
		return []nodeSize{{NodeID: *p.NodeID, Size: *p.Size, AspectRatio: p.AspectRatio}}, nil
	}
	if len(p.NodeIDs) == 0 {
		return nil, validationf("node_resize: nodeId or nodeIds is required")
	}
	if len(p.NodeIDs) != len(p.Sizes) {
		return nil, validationf("node_resize: %d nodeIds but %d sizes", len(p.NodeIDs), len(p.Sizes))
	}
	out := make([]nodeSize, len(p.NodeIDs))
	for i := range p.NodeIDs {
		out[i] = nodeSize{NodeID: p.NodeIDs[i], Size: p.Sizes[i], AspectRatio: p.AspectRatio}
	}
	return out, nil
}

func validateResize(s *Snapshot, data json.RawMessage) error {
	var p resizePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("node_resize: %v", err)
	}
	pairs, err := p.pairs()
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if pair.Size[0] <= 0 || pair.Size[1] <= 0 {
			return validationf("node_resize: size must be positive, got [%g,%g]", pair.Size[0], pair.Size[1])
		}
		if !s.Has(pair.NodeID) {
			return notFoundf("node %d", pair.NodeID)
		}
	}
	return nil
}

func applyResize(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p resizePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("node_resize: %v", err)
	}
	pairs, err := p.pairs()
	if err != nil {
		return nil, err
	}
	prior := make([]nodeSize, 0, len(pairs))
	updated := make([]*Node, 0, len(pairs))
	for _, pair := range pairs {
		n := s.Node(pair.NodeID)
		prior = append(prior, nodeSize{NodeID: n.ID, Size: n.Size, AspectRatio: n.AspectRatio})
		n.Size = pair.Size
		// The declared aspect ratio survives only while it matches the new
		// geometry within tolerance; otherwise it is recomputed.
		ratio := pair.AspectRatio
		if n.Size[1] != 0 {
			actual := n.Size[0] / n.Size[1]
			if ratio == 0 || math.Abs(actual-ratio) > aspectTolerance {
				ratio = actual
			}
		}
		n.AspectRatio = ratio
		updated = append(updated, n.Clone())
	}
	undo, err := json.Marshal(prior)
	if err != nil {
		return nil, err
	}
	return &Result{Changes: Change{Updated: updated}, Undo: undo}, nil
}

func unapplyResize(s *Snapshot, undo json.RawMessage) error {
	var prior []nodeSize
	if err := json.Unmarshal(undo, &prior); err != nil {
		return validationf("node_resize undo: %v", err)
	}
	for _, pair := range prior {
		n := s.Node(pair.NodeID)
		if n == nil {
			return notFoundf("node %d", pair.NodeID)
		}
		n.Size = pair.Size
		n.AspectRatio = pair.AspectRatio
	}
	return nil
}

// --- node_rotate ---

type rotatePayload struct {
	NodeID    *int64    `json:"nodeId,omitempty"`
	Rotation  *float64  `json:"rotation,omitempty"`
	NodeIDs   []int64   `json:"nodeIds,omitempty"`
	Rotations []float64 `json:"rotations,omitempty"`
}

type nodeRotation struct {
	NodeID   int64   `json:"nodeId"`
	Rotation float64 `json:"rotation"`
}

func (p *rotatePayload) pairs() ([]nodeRotation, error) {
	if p.NodeID != nil {
		if p.Rotation == nil {
			return nil, validationf("node_rotate: rotation is required")
		}
		return []nodeRotation{{NodeID: *p.NodeID, Rotation: *p.Rotation}}, nil
	}
	if len(p.NodeIDs) == 0 {
		return nil, validationf("node_rotate: nodeId or nodeIds is required")
	}
	if len(p.NodeIDs) != len(p.Rotations) {
		return nil, validationf("node_rotate: %d nodeIds but %d rotations", len(p.NodeIDs), len(p.Rotations))
	}
	out := make([]nodeRotation, len(p.NodeIDs))
	for i := range p.NodeIDs {
		out[i] = nodeRotation{NodeID: p.NodeIDs[i], Rotation: p.Rotations[i]}
	}
	return out, nil
}

func normalizeRotation(deg float64) float64 {
	r := math.Mod(deg, 360)
	if r < 0 {
		r += 360
	}
	return r
}

func validateRotate(s *Snapshot, data json.RawMessage) error {
	var p rotatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("node_rotate: %v", err)
	}
	pairs, err := p.pairs()
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if math.IsNaN(pair.Rotation) || math.IsInf(pair.Rotation, 0) {
			return validationf("node_rotate: rotation must be finite")
		}
		if !s.Has(pair.NodeID) {
			return notFoundf("node %d", pair.NodeID)
		}
	}
	return nil
}

func applyRotate(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p rotatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("node_rotate: %v", err)
	}
	pairs, err := p.pairs()
	if err != nil {
		return nil, err
	}
	prior := make([]nodeRotation, 0, len(pairs))
	updated := make([]*Node, 0, len(pairs))
	for _, pair := range pairs {
		n := s.Node(pair.NodeID)
		prior = append(prior, nodeRotation{NodeID: n.ID, Rotation: n.Rotation})
		n.Rotation = normalizeRotation(pair.Rotation)
		updated = append(updated, n.Clone())
	}
	undo, err := json.Marshal(prior)
	if err != nil {
		return nil, err
	}
	return &Result{Changes: Change{Updated: updated}, Undo: undo}, nil
}

func unapplyRotate(s *Snapshot, undo json.RawMessage) error {
	var prior []nodeRotation
	if err := json.Unmarshal(undo, &prior); err != nil {
		return validationf("node_rotate undo: %v", err)
	}
	for _, pair := range prior {
		n := s.Node(pair.NodeID)
		if n == nil {
			return notFoundf("node %d", pair.NodeID)
		}
		n.Rotation = pair.Rotation
	}
	return nil
}

// --- node_property_update ---

type propertyUpdatePayload struct {
	NodeID     *int64         `json:"nodeId"`
	Property   string         `json:"property,omitempty"`
	Value      any            `json:"value,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type propertyUpdateUndo struct {
	NodeID int64          `json:"nodeId"`
	Old    map[string]any `json:"old,omitempty"`
	Absent []string       `json:"absent,omitempty"` // keys that did not exist before
}

func (p *propertyUpdatePayload) updates() (map[string]any, error) {
	if len(p.Properties) > 0 {
		return p.Properties, nil
	}
	if p.Property == "" {
		return nil, validationf("node_property_update: property or properties is required")
	}
	return map[string]any{p.Property: p.Value}, nil
}

func validatePropertyUpdate(s *Snapshot, data json.RawMessage) error {
	var p propertyUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("node_property_update: %v", err)
	}
	if p.NodeID == nil {
		return validationf("node_property_update: nodeId is required")
	}
	if _, err := p.updates(); err != nil {
		return err
	}
	if !s.Has(*p.NodeID) {
		return notFoundf("node %d", *p.NodeID)
	}
	return nil
}

func applyPropertyUpdate(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p propertyUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("node_property_update: %v", err)
	}
	updates, err := p.updates()
	if err != nil {
		return nil, err
	}
	n := s.Node(*p.NodeID)
	u := propertyUpdateUndo{NodeID: n.ID}
	if n.Properties == nil {
		n.Properties = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		if old, ok := n.Properties[k]; ok {
			if u.Old == nil {
				u.Old = make(map[string]any)
			}
			u.Old[k] = old
		} else {
			u.Absent = append(u.Absent, k)
		}
		n.Properties[k] = v
	}
	undo, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return &Result{Changes: Change{Updated: []*Node{n.Clone()}}, Undo: undo}, nil
}

func unapplyPropertyUpdate(s *Snapshot, undo json.RawMessage) error {
	var u propertyUpdateUndo
	if err := json.Unmarshal(undo, &u); err != nil {
		return validationf("node_property_update undo: %v", err)
	}
	n := s.Node(u.NodeID)
	if n == nil {
		return notFoundf("node %d", u.NodeID)
	}
	for k, v := range u.Old {
		n.Properties[k] = v
	}
	for _, k := range u.Absent {
		delete(n.Properties, k)
	}
	if len(n.Properties) == 0 {
		n.Properties = nil
	}
	return nil
}

// --- node_batch_property_update ---

type batchPropertyUpdate struct {
	NodeID   int64  `json:"nodeId"`
	Property string `json:"property"`
	Value    any    `json:"value"`
}

type batchPropertyPayload struct {
	Updates []batchPropertyUpdate `json:"updates"`
}

func validateBatchPropertyUpdate(s *Snapshot, data json.RawMessage) error {
	var p batchPropertyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("node_batch_property_update: %v", err)
	}
	if len(p.Updates) == 0 {
		return validationf("node_batch_property_update: updates is required")
	}
	for _, u := range p.Updates {
		if u.Property == "" {
			return validationf("node_batch_property_update: property is required")
		}
		if !s.Has(u.NodeID) {
			return notFoundf("node %d", u.NodeID)
		}
	}
	return nil
}

func applyBatchPropertyUpdate(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p batchPropertyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("node_batch_property_update: %v", err)
	}
	inverses := make([]propertyUpdateUndo, 0, len(p.Updates))
	touched := make(map[int64]struct{}, len(p.Updates))
	var updated []*Node
	for _, upd := range p.Updates {
		n := s.Node(upd.NodeID)
		inv := propertyUpdateUndo{NodeID: n.ID}
		if n.Properties == nil {
			n.Properties = make(map[string]any, 1)
		}
		if old, ok := n.Properties[upd.Property]; ok {
			inv.Old = map[string]any{upd.Property: old}
		} else {
			inv.Absent = []string{upd.Property}
		}
		n.Properties[upd.Property] = upd.Value
		inverses = append(inverses, inv)
		if _, seen := touched[n.ID]; !seen {
			touched[n.ID] = struct{}{}
		}
	}
	for id := range touched {
		updated = append(updated, s.Node(id).Clone())
	}
	undo, err := json.Marshal(inverses)
	if err != nil {
		return nil, err
	}
	return &Result{Changes: Change{Updated: updated}, Undo: undo}, nil
}

func unapplyBatchPropertyUpdate(s *Snapshot, undo json.RawMessage) error {
	var inverses []propertyUpdateUndo
	if err := json.Unmarshal(undo, &inverses); err != nil {
		return validationf("node_batch_property_update undo: %v", err)
	}
	// Reverse order, so repeated writes to one property unwind correctly.
	for i := len(inverses) - 1; i >= 0; i-- {
		raw, err := json.Marshal(inverses[i])
		if err != nil {
			return err
		}
		if err := unapplyPropertyUpdate(s, raw); err != nil {
			return err
		}
	}
	return nil
}

// --- layer_order_change ---

type layerOrderPayload struct {
	NewLayerOrder []int64 `json:"newLayerOrder"`
}

func validateLayerOrder(s *Snapshot, data json.RawMessage) error {
	var p layerOrderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return validationf("layer_order_change: %v", err)
	}
	if len(p.NewLayerOrder) == 0 {
		return validationf("layer_order_change: newLayerOrder is required")
	}
	if len(p.NewLayerOrder) != s.Len() {
		return validationf("layer_order_change: order has %d ids, graph has %d nodes", len(p.NewLayerOrder), s.Len())
	}
	seen := make(map[int64]struct{}, len(p.NewLayerOrder))
	for _, id := range p.NewLayerOrder {
		if !s.Has(id) {
			return notFoundf("node %d", id)
		}
		if _, dup := seen[id]; dup {
			return validationf("layer_order_change: order repeats node %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func applyLayerOrder(s *Snapshot, data json.RawMessage) (*Result, error) {
	var p layerOrderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationf("layer_order_change: %v", err)
	}
	prev := s.Order()
	if err := s.SetOrder(p.NewLayerOrder); err != nil {
		return nil, validationf("layer_order_change: %v", err)
	}
	undo, err := json.Marshal(layerOrderPayload{NewLayerOrder: prev})
	if err != nil {
		return nil, err
	}
	return &Result{Changes: Change{Order: s.Order()}, Undo: undo}, nil
}

func unapplyLayerOrder(s *Snapshot, undo json.RawMessage) error {
	var p layerOrderPayload
	if err := json.Unmarshal(undo, &p); err != nil {
		return validationf("layer_order_change undo: %v", err)
	}
	return s.SetOrder(p.NewLayerOrder)
}
