// Package ws relays migration events from the signal bus to WebSocket
// clients. Clients may narrow the feed to the positions they watch and can
// catch up on missed events from the bus stream after a reconnect.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// EventsChannel is the bus channel and stream the hub relays.
const EventsChannel = "migrations"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// maxReplay caps the events returned for one replay request.
	maxReplay = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are filtered by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Config describes the engine in the status frame sent on connect.
type Config struct {
	Mode      string
	Engine    string
	State     func() string // optional
	StartedAt time.Time
}

// event is one bus message with the position it concerns, if any.
type event struct {
	position domain.PositionID
	known    bool
	data     []byte
}

// Hub fans bus events out to connected clients.
type Hub struct {
	bus    domain.SignalBus
	cfg    Config
	logger *slog.Logger

	register   chan *client
	unregister chan *client
	events     chan event

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan event, 256),
		clients:    make(map[*client]struct{}),
	}
}

// Run relays events until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	go h.relay(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case ev := <-h.events:
			h.mu.RLock()
			for c := range h.clients {
				if c.wants(ev) && !c.offer(ev.data) {
					h.logger.Warn("ws: dropping event for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay forwards live bus events into the hub loop.
func (h *Hub) relay(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, EventsChannel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", EventsChannel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", EventsChannel))
				return
			}
			select {
			case h.events <- parseEvent(data):
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseEvent extracts the position a migration event concerns. Payloads
// that do not carry one reach only unfiltered clients.
func parseEvent(data []byte) event {
	var probe struct {
		Record *struct {
			PositionID *uint64 `json:"position_id"`
		} `json:"record"`
	}
	ev := event{data: data}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Record != nil && probe.Record.PositionID != nil {
		ev.position = domain.PositionID(*probe.Record.PositionID)
		ev.known = true
	}
	return ev
}

// HandleWS upgrades the request and registers the connection.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newClient(h, conn)
	h.register <- c
	c.enqueue(h.statusFrame())

	go c.writePump()
	go c.readPump()
}

func (h *Hub) statusFrame() []byte {
	state := "unknown"
	if h.cfg.State != nil {
		state = h.cfg.State()
	}
	uptime := int64(time.Since(h.cfg.StartedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	msg, _ := json.Marshal(map[string]any{
		"type": "engine_status",
		"payload": map[string]any{
			"mode":           h.cfg.Mode,
			"engine":         h.cfg.Engine,
			"state":          state,
			"uptime_seconds": uptime,
		},
	})
	return msg
}

// replay reads stream events after lastID, at most maxReplay of them,
// keeping only those c wants.
func (h *Hub) replay(ctx context.Context, c *client, lastID string) ([]replayFrame, error) {
	if lastID == "" {
		lastID = "0"
	}
	msgs, err := h.bus.StreamRead(ctx, EventsChannel, lastID, maxReplay)
	if err != nil {
		return nil, err
	}
	frames := make([]replayFrame, 0, len(msgs))
	for _, m := range msgs {
		if c.wants(parseEvent(m.Payload)) {
			frames = append(frames, replayFrame{Type: "replay", StreamID: m.ID, Event: json.RawMessage(m.Payload)})
		}
	}
	return frames, nil
}
