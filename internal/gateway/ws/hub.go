package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/orchestrator"
)

// Controller is the run control surface exposed to clients.
type Controller interface {
	State() orchestrator.RunState
	Stop() error
	Reset(ctx context.Context) error
}

// EventSnapshot is the event name of the state frame sent on connect.
const EventSnapshot = "status.snapshot"

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

var broadcastTypes = []events.EventType{
	events.EventRunStarted,
	events.EventRunProgress,
	events.EventRunFinished,
	events.EventTabOpened,
	events.EventTabClosed,
	events.EventTaskComplete,
	events.EventTaskError,
	events.EventStatusUpdate,
}

// Client is one connected watcher.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans run notices out to WebSocket clients and serves their control
// requests. File service traffic on the bus stays internal.
type Hub struct {
	mu          sync.Mutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	ctrl        Controller
	logger      *slog.Logger
	unsubscribe func()
}

// NewHub creates a hub bridging bus notices to clients. Request frames are
// served by ctrl.
func NewHub(bus *events.Bus, ctrl Controller) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		ctrl:    ctrl,
		logger:  slog.Default().With("component", "ws"),
	}
	h.unsubscribe = bus.Subscribe(h.forward, broadcastTypes...)
	return h
}

func (h *Hub) forward(e events.Event) {
	data, err := encodeEvent(string(e.Type), e.RunID, e.Payload)
	if err != nil {
		h.logger.Error("encode event frame", "type", e.Type, "error", err)
		return
	}
	h.broadcast(data)
}

func encodeEvent(name, runID string, payload any) ([]byte, error) {
	frame, err := NewEventFrame(name, runID, payload)
	if err != nil {
		return nil, err
	}
	return MarshalFrame(frame)
}

// broadcast queues data for every client. A client whose queue is full is
// disconnected.
func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws client too slow, dropping")
			h.drop(c, websocket.StatusPolicyViolation, "too slow")
		}
	}
}

// drop removes c; the caller holds h.mu.
func (h *Hub) drop(c *Client, code websocket.StatusCode, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	go c.conn.Close(code, reason)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// LocalOrigins are the browser origins allowed besides the gateway's own
// host. Clients that send no Origin header, like the CLI, are always accepted.
var LocalOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}

// ServeWS upgrades the request and serves the client until it disconnects.
// The first frame a client receives is a status snapshot.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: LocalOrigins,
	})
	if err != nil {
		h.logger.Error("ws accept", "error", err)
		return
	}

	c := &Client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}
	st := h.ctrl.State()
	if data, err := encodeEvent(EventSnapshot, st.RunID, st); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws client connected", "clients", n)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writeLoop(ctx)
	c.readLoop(ctx)

	h.mu.Lock()
	h.drop(c, websocket.StatusNormalClosure, "")
	n = len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws client disconnected", "clients", n)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.hub.logger.Debug("ws read closed", "status", status)
			} else {
				c.hub.logger.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			c.hub.logger.Warn("ws malformed frame", "error", err)
			continue
		}
		if frame.Type != FrameTypeRequest {
			c.hub.logger.Debug("ws ignoring frame", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	ctrl := c.hub.ctrl
	switch Method(frame.Method) {
	case MethodStatus:
		c.reply(frame.ID, ctrl.State(), nil)

	case MethodStop:
		if err := ctrl.Stop(); err != nil {
			c.reply(frame.ID, nil, err)
			return
		}
		c.reply(frame.ID, map[string]string{"status": "stopping"}, nil)

	case MethodReset:
		if err := ctrl.Reset(ctx); err != nil {
			c.reply(frame.ID, nil, err)
			return
		}
		c.reply(frame.ID, ctrl.State(), nil)

	default:
		c.reply(frame.ID, nil, errUnknownMethod(frame.Method))
	}
}

type errUnknownMethod string

func (e errUnknownMethod) Error() string { return "unknown method: " + string(e) }

func (c *Client) reply(id string, payload any, err error) {
	var f Frame
	var ferr error
	if err != nil {
		f, ferr = NewResponseFrame(id, false, nil, err.Error())
	} else {
		f, ferr = NewResponseFrame(id, true, payload, "")
	}
	if ferr != nil {
		c.hub.logger.Error("encode response", "error", ferr)
		return
	}
	data, ferr := MarshalFrame(f)
	if ferr != nil {
		return
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects every client and stops forwarding events.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.drop(c, websocket.StatusGoingAway, "server shutdown")
	}
}
