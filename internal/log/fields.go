// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldConnectionID  = "connection_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldUserID        = "user_id"
	FieldTabID         = "tab_id"
	FieldProjectID     = "project_id"
	FieldOperationID   = "operation_id"

	// Pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldOpType    = "op_type"
	FieldSeq       = "seq"
	FieldReason    = "reason"

	// Media fields
	FieldHash     = "hash"
	FieldFilename = "filename"
	FieldMime     = "mime"
	FieldSize     = "size"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
