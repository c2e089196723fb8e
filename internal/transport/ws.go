// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/canvashub/internal/log"
	"github.com/ManuGH/canvashub/internal/metrics"
)

// Options tunes one websocket connection.
type Options struct {
	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes int64
	// HeartbeatInterval is the expected client heartbeat cadence; the read
	// deadline is HeartbeatInterval * HeartbeatMisses.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	// SendQueueSize bounds the outbound queue; overflow closes the
	// connection rather than dropping frames silently.
	SendQueueSize int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// DefaultOptions returns production limits.
func DefaultOptions() Options {
	return Options{
		MaxFrameBytes:     50 << 20,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatMisses:   3,
		SendQueueSize:     256,
		WriteTimeout:      10 * time.Second,
	}
}

func (o Options) readDeadline() time.Duration {
	misses := o.HeartbeatMisses
	if misses < 1 {
		misses = 1
	}
	return o.HeartbeatInterval * time.Duration(misses)
}

// Upgrader returns the websocket upgrader used by the /ws endpoint.
// Compression is negotiated per message; origin checks happen in middleware.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin:       func(*http.Request) bool { return true },
	}
}

// Conn is one framed, ordered client connection with a bounded send queue.
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts Options

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.SendQueueSize),
		closed: make(chan struct{}),
		logger: log.WithComponent("transport").With().Str(log.FieldConnectionID, id).Logger(),
	}
}

// ID returns the server-assigned connection id.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send queues a frame. On a full queue the connection is closed and false is
// returned; the client reconnects and resyncs.
func (c *Conn) Send(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		metrics.SendQueueDropsTotal.Inc()
		c.logger.Warn().
			Int("queue_size", c.opts.SendQueueSize).
			Str("event", "transport.send_overflow").
			Msg("send queue full, closing connection")
		c.Close()
		return false
	}
}

// Close tears the connection down once. Safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// ReadPump delivers inbound frames to handler until the connection dies.
// Any frame resets the heartbeat deadline. Runs on the caller's goroutine.
func (c *Conn) ReadPump(handler func(data []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	deadline := c.opts.readDeadline()
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		handler(data)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
// Runs on its own goroutine, one per connection.
func (c *Conn) WritePump() {
	interval := c.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
