// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package transport frames the collaboration protocol: typed JSON envelopes
// over a websocket connection with bounded, order-preserving delivery.
package transport

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates protocol envelopes in both directions.
type MessageType string

// Client to server.
const (
	TypeJoinProject     MessageType = "join_project"
	TypeLeaveProject    MessageType = "leave_project"
	TypeExecuteOp       MessageType = "execute_operation"
	TypeSyncCheck       MessageType = "sync_check"
	TypeRequestFullSync MessageType = "request_full_sync"
	TypeHeartbeat       MessageType = "heartbeat"
)

// Server to client.
const (
	TypeProjectJoined     MessageType = "project_joined"
	TypeActiveUsers       MessageType = "active_users"
	TypeUserJoined        MessageType = "user_joined"
	TypeUserLeft          MessageType = "user_left"
	TypeTabClosed         MessageType = "tab_closed"
	TypeOperationAck      MessageType = "operation_ack"
	TypeOperationRejected MessageType = "operation_rejected"
	TypeStateUpdate       MessageType = "state_update"
	TypeSyncResponse      MessageType = "sync_response"
	TypeFullStateSync     MessageType = "full_state_sync"
	TypeHeartbeatResponse MessageType = "heartbeat_response"
)

// RejectReason enumerates operation_rejected.reason values.
type RejectReason string

const (
	ReasonNotAuthenticated RejectReason = "not_authenticated"
	ReasonUnknownType      RejectReason = "unknown_type"
	ReasonValidationFailed RejectReason = "validation_failed"
	ReasonSequenceConflict RejectReason = "sequence_conflict"
	ReasonPayloadTooLarge  RejectReason = "payload_too_large"
	ReasonInlineMedia      RejectReason = "payload_contains_inline_media"
	ReasonNotFound         RejectReason = "not_found"
	ReasonRateLimited      RejectReason = "rate_limited"
	ReasonInternal         RejectReason = "internal"
)

// ClientMessage is the union of every client-originated envelope. Fields not
// belonging to the stated type are ignored.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// join_project / leave_project / sync_check / heartbeat
	ProjectID   int64  `json:"projectId,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	TabID       string `json:"tabId,omitempty"`

	// execute_operation
	Operation *OperationRequest `json:"operation,omitempty"`

	// sync_check
	LastSeq   uint64 `json:"lastSeq,omitempty"`
	StateHash string `json:"stateHash,omitempty"`

	// heartbeat
	Timestamp int64 `json:"timestamp,omitempty"`
}

// OperationRequest carries one client-submitted mutation.
type OperationRequest struct {
	OperationID   string          `json:"operationId"`
	Type          string          `json:"type"`
	Params        json.RawMessage `json:"params"`
	StateVersion  uint64          `json:"stateVersion,omitempty"`
	UndoData      json.RawMessage `json:"undoData,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
}

// ParseClientMessage decodes and minimally validates an inbound frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("transport: malformed frame: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("transport: frame without type")
	}
	if msg.Type == TypeExecuteOp && msg.Operation == nil {
		return ClientMessage{}, fmt.Errorf("transport: execute_operation without operation")
	}
	return msg, nil
}

// ProjectJoined answers a successful admit.
type ProjectJoined struct {
	Type           MessageType     `json:"type"`
	Project        json.RawMessage `json:"project"`
	Session        SessionInfo     `json:"session"`
	SequenceNumber uint64          `json:"sequenceNumber"`
}

// SessionInfo identifies the admitted connection to its client.
type SessionInfo struct {
	ConnectionID string `json:"connectionId"`
	UserID       int64  `json:"userId"`
	TabID        string `json:"tabId"`
}

// ActiveUser is one entry of the active_users snapshot.
type ActiveUser struct {
	UserID      int64    `json:"userId"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	Tabs        []TabRef `json:"tabs"`
}

// TabRef names one session of a user.
type TabRef struct {
	ConnectionID string `json:"connectionId"`
	TabID        string `json:"tabId"`
}

// ActiveUsers is the full presence snapshot for a room.
type ActiveUsers struct {
	Type  MessageType  `json:"type"`
	Users []ActiveUser `json:"users"`
}

// PresenceEvent announces user_joined, user_left or tab_closed.
type PresenceEvent struct {
	Type        MessageType `json:"type"`
	UserID      int64       `json:"userId"`
	Username    string      `json:"username"`
	DisplayName string      `json:"displayName,omitempty"`
	TabID       string      `json:"tabId,omitempty"`
}

// OperationAck confirms acceptance to the originator.
type OperationAck struct {
	Type        MessageType      `json:"type"`
	OperationID string           `json:"operationId"`
	Seq         uint64           `json:"seq"`
	AssignedIDs map[string]int64 `json:"assignedIds,omitempty"`
}

// OperationRejected reports a refused operation to the originator.
type OperationRejected struct {
	Type        MessageType  `json:"type"`
	OperationID string       `json:"operationId"`
	Reason      RejectReason `json:"reason"`
	Error       string       `json:"error,omitempty"`
}

// StateUpdate fans an accepted operation's effects out to peers.
type StateUpdate struct {
	Type         MessageType     `json:"type"`
	StateVersion uint64          `json:"stateVersion"`
	OperationID  string          `json:"operationId,omitempty"`
	Changes      json.RawMessage `json:"changes"`
	OriginUserID int64           `json:"originUserId,omitempty"`
	OriginTabID  string          `json:"originTabId,omitempty"`
	IsUndo       bool            `json:"isUndo,omitempty"`
	IsRedo       bool            `json:"isRedo,omitempty"`
}

// MissedOperation is one catch-up entry in a sync_response.
type MissedOperation struct {
	Seq  uint64          `json:"seq"`
	Kind string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SyncResponse answers a sync_check.
type SyncResponse struct {
	Type             MessageType       `json:"type"`
	NeedsSync        bool              `json:"needsSync"`
	MissedOperations []MissedOperation `json:"missedOperations,omitempty"`
	LatestSeq        uint64            `json:"latestSeq"`
	ServerStateHash  string            `json:"serverStateHash,omitempty"`
}

// FullStateSync carries the canonical snapshot for a full resync.
type FullStateSync struct {
	Type         MessageType     `json:"type"`
	State        json.RawMessage `json:"state"`
	StateVersion uint64          `json:"stateVersion"`
}

// HeartbeatResponse answers a client heartbeat.
type HeartbeatResponse struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Marshal encodes any outbound envelope, panicking on programmer error;
// every outbound type here is statically marshalable.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("transport: marshal %T: %v", v, err))
	}
	return data
}
