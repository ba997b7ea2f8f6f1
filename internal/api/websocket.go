package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	wsOutboxSize     = 64
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 10 * time.Second
	wsMaxMessageSize = 4096
)

// WSMessage is the envelope of every frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload names the channels of a subscribe or unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound frame; the payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to the bench network; browsers on any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSession is one connected client.
type wsSession struct {
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
	once   sync.Once
	done   chan struct{}
}

// handleWebSocket upgrades the request and serves the session until the
// client or the hub goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r.Context()))
		return
	}

	sess := &wsSession{
		hub:    s.hub,
		conn:   conn,
		outbox: make(chan []byte, wsOutboxSize),
		done:   make(chan struct{}),
	}
	s.hub.join(sess)

	go sess.writeLoop()
	go sess.readLoop()
}

// shutdown stops the write loop and closes the connection. Idempotent.
func (c *wsSession) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close() //nolint:errcheck // closing a dead connection
	})
}

// enqueue queues a frame; when the client lags behind, the frame is dropped.
func (c *wsSession) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.outbox <- data:
	default:
		c.hub.logger.Warn("websocket client too slow, dropping message")
	}
}

func (c *wsSession) readLoop() {
	defer func() {
		c.hub.leave(c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	deadline := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	}
	deadline() //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return deadline() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		deadline() //nolint:errcheck // a failed deadline surfaces on the next read
		c.handle(data)
	}
}

func (c *wsSession) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	write := func(kind int, data []byte) bool {
		//nolint:errcheck // the write below reports the failure
		c.conn.SetWriteDeadline(time.Now().Add(wsPongWait))
		return c.conn.WriteMessage(kind, data) == nil
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			if !write(websocket.TextMessage, data) {
				c.shutdown()
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsSession) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.fail("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		channels, ok := c.channels(req)
		if !ok {
			return
		}
		c.hub.subscribe(c, channels)
		c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": channels})
		c.sendSnapshots(channels)
	case WSTypeUnsubscribe:
		channels, ok := c.channels(req)
		if !ok {
			return
		}
		c.hub.unsubscribe(c, channels)
		c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": channels})
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.fail(req.ID, "unknown message type: "+req.Type)
	}
}

// channels decodes and checks the channel list of req, answering the client
// with an error when it is unusable.
func (c *wsSession) channels(req wsRequest) ([]string, bool) {
	var p WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || len(p.Channels) == 0 {
		c.fail(req.ID, "invalid "+req.Type+" payload")
		return nil, false
	}
	for _, ch := range p.Channels {
		if !knownChannel(ch) {
			c.fail(req.ID, "unknown channel: "+ch)
			return nil, false
		}
	}
	return slices.Compact(slices.Sorted(slices.Values(p.Channels))), true
}

// sendSnapshots primes a fresh subscriber with the current state.
func (c *wsSession) sendSnapshots(channels []string) {
	if c.hub.snapshot == nil {
		return
	}
	for _, ch := range channels {
		data, ok := c.hub.snapshot(ch)
		if !ok {
			continue
		}
		if event, err := encodeEvent(ch, data); err == nil {
			c.enqueue(event)
		}
	}
}

func (c *wsSession) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *wsSession) fail(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"error": message})
}
