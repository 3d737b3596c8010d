package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// request is a control frame sent by a client.
//
//	{"action":"watch","positions":[7,9]}
//	{"action":"unwatch","positions":[7]}
//	{"action":"replay","after":"1700000000000-0"}
type request struct {
	Action    string              `json:"action"`
	Positions []domain.PositionID `json:"positions"`
	After     string              `json:"after"`
}

// replayFrame wraps one stream event returned for a replay request.
type replayFrame struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id"`
	Event    json.RawMessage `json:"event"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// client is one WebSocket connection. With an empty watch set it receives
// every event.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	watch  map[domain.PositionID]bool
	closed bool
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		watch: make(map[domain.PositionID]bool),
	}
}

func (c *client) wants(ev event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.watch) == 0 {
		return true
	}
	return ev.known && c.watch[ev.position]
}

// offer queues msg unless the send buffer is full or the hub has let go of
// the client. It reports whether msg was queued.
func (c *client) offer(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if msg == nil || c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) enqueue(msg []byte) { _ = c.offer(msg) }

// close stops delivery. Only the hub loop calls it.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reject("malformed request")
			continue
		}
		c.handle(req)
	}
}

func (c *client) handle(req request) {
	switch req.Action {
	case "watch":
		c.mu.Lock()
		for _, id := range req.Positions {
			c.watch[id] = true
		}
		c.mu.Unlock()
	case "unwatch":
		c.mu.Lock()
		for _, id := range req.Positions {
			delete(c.watch, id)
		}
		c.mu.Unlock()
	case "replay":
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		frames, err := c.hub.replay(ctx, c, req.After)
		if err != nil {
			c.hub.logger.Error("ws: replay failed",
				slog.String("after", req.After),
				slog.String("error", err.Error()),
			)
			c.reject("replay unavailable")
			return
		}
		for _, f := range frames {
			msg, err := json.Marshal(f)
			if err != nil {
				continue
			}
			c.enqueue(msg)
		}
	default:
		c.reject("unknown action " + req.Action)
	}
}

func (c *client) reject(reason string) {
	msg, err := json.Marshal(errorFrame{Type: "error", Error: reason})
	if err == nil {
		c.enqueue(msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
