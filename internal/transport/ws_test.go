// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair upgrades one server-side Conn and returns it with the client socket.
func wsPair(t *testing.T, opts Options) (*Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := Upgrader()
		ws, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- NewConn(ws, opts)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	conn := <-connCh
	t.Cleanup(conn.Close)
	return conn, client
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	conn, client := wsPair(t, DefaultOptions())
	go conn.WritePump()

	frames := []string{"one", "two", "three"}
	for _, f := range frames {
		require.True(t, conn.Send([]byte(f)))
	}

	for _, want := range frames {
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestConnReadPumpDeliversToHandler(t *testing.T) {
	conn, client := wsPair(t, DefaultOptions())

	received := make(chan []byte, 1)
	go conn.ReadPump(func(data []byte) {
		received <- data
	})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"heartbeat"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestConnSendOverflowClosesConnection(t *testing.T) {
	opts := DefaultOptions()
	opts.SendQueueSize = 2
	conn, _ := wsPair(t, opts)
	// No write pump: the queue cannot drain.

	assert.True(t, conn.Send([]byte("a")))
	assert.True(t, conn.Send([]byte("b")))
	assert.False(t, conn.Send([]byte("c")), "overflow must close, not drop")

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection must be closed after overflow")
	}
	assert.False(t, conn.Send([]byte("d")), "closed connection refuses sends")
}

func TestConnHeartbeatTimeoutEndsReadPump(t *testing.T) {
	opts := DefaultOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatMisses = 2
	conn, _ := wsPair(t, opts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.ReadPump(func([]byte) {})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read pump must end after missed heartbeats")
	}
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, msg ClientMessage)
	}{
		{
			name:  "join project",
			input: `{"type":"join_project","projectId":7,"username":"alice","displayName":"Alice","tabId":"t1"}`,
			check: func(t *testing.T, msg ClientMessage) {
				assert.Equal(t, TypeJoinProject, msg.Type)
				assert.Equal(t, int64(7), msg.ProjectID)
				assert.Equal(t, "t1", msg.TabID)
			},
		},
		{
			name:  "execute operation",
			input: `{"type":"execute_operation","operation":{"operationId":"op-1","type":"node_move","params":{"nodeId":1,"position":[5,5]}}}`,
			check: func(t *testing.T, msg ClientMessage) {
				require.NotNil(t, msg.Operation)
				assert.Equal(t, "op-1", msg.Operation.OperationID)
				assert.Equal(t, "node_move", msg.Operation.Type)
			},
		},
		{
			name:  "sync check",
			input: `{"type":"sync_check","projectId":7,"lastSeq":100,"stateHash":"abc"}`,
			check: func(t *testing.T, msg ClientMessage) {
				assert.Equal(t, uint64(100), msg.LastSeq)
				assert.Equal(t, "abc", msg.StateHash)
			},
		},
		{name: "missing type", input: `{"projectId":7}`, wantErr: true},
		{name: "execute without operation", input: `{"type":"execute_operation"}`, wantErr: true},
		{name: "malformed json", input: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func TestMarshalEnvelopes(t *testing.T) {
	ack := Marshal(OperationAck{
		Type:        TypeOperationAck,
		OperationID: "op-1",
		Seq:         12,
		AssignedIDs: map[string]int64{"t-17": 42},
	})
	assert.JSONEq(t, `{"type":"operation_ack","operationId":"op-1","seq":12,"assignedIds":{"t-17":42}}`, string(ack))

	rej := Marshal(OperationRejected{
		Type:        TypeOperationRejected,
		OperationID: "op-2",
		Reason:      ReasonNotFound,
		Error:       "node 999",
	})
	assert.JSONEq(t, `{"type":"operation_rejected","operationId":"op-2","reason":"not_found","error":"node 999"}`, string(rej))
}
