// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package canvas

import (
	"encoding/json"
	"fmt"
)

// LoggedOp is the minimal shape of a persisted operation needed for replay.
type LoggedOp struct {
	Seq  uint64
	Type OpType
	Data json.RawMessage
}

// Replay applies a contiguous run of accepted operations to a snapshot.
// Because id assignment is a deterministic function of apply order, replaying
// the full log from an empty snapshot reproduces the authoritative graph.
func Replay(s *Snapshot, ops []LoggedOp) error {
	for _, op := range ops {
		if _, err := Apply(s, op.Type, op.Data); err != nil {
			return fmt.Errorf("replay seq %d (%s): %w", op.Seq, op.Type, err)
		}
	}
	return nil
}
