package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// StatusEvent is the message pushed to WebSocket clients for every status
// snapshot and delta.
type StatusEvent struct {
	Type       string         `json:"type"`
	DeviceID   string         `json:"device_id"`
	Delta      bool           `json:"delta"`
	Reported   map[string]any `json:"reported"`
	ReceivedAt time.Time      `json:"received_at"`
}

func newStatusEvent(deviceID string, delta bool, reported map[string]any, at time.Time) StatusEvent {
	typ := "status"
	if delta {
		typ = "delta"
	}
	return StatusEvent{Type: typ, DeviceID: deviceID, Delta: delta, Reported: reported, ReceivedAt: at}
}

// wsClient is one WebSocket connection. A client with a device set only
// follows that robot.
type wsClient struct {
	conn   *websocket.Conn
	device string
	send   chan []byte
}

func (c *wsClient) follows(deviceID string) bool {
	return c.device == "" || c.device == deviceID
}

// joinRequest adds a client; greeting is queued before any live event.
type joinRequest struct {
	client   *wsClient
	greeting []StatusEvent
}

// WSHub fans robot status events out to WebSocket clients. All changes to
// the client set happen on the Run goroutine.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	join   chan joinRequest
	leave  chan *wsClient
	events chan StatusEvent

	done     chan struct{}
	stopOnce sync.Once
}

// NewWSHub creates a hub. Call Run to start it.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
		join:    make(chan joinRequest),
		leave:   make(chan *wsClient),
		events:  make(chan StatusEvent, 256),
		done:    make(chan struct{}),
	}
}

// Run is the hub event loop. It returns after Stop, closing every client.
func (h *WSHub) Run() {
	defer h.dropAll()
	for {
		select {
		case <-h.done:
			return
		case req := <-h.join:
			h.mu.Lock()
			h.clients[req.client] = struct{}{}
			for _, ev := range req.greeting {
				h.deliver(req.client, ev)
			}
			h.mu.Unlock()
			h.logger.Debug("ws client joined", "device", req.client.device)
		case c := <-h.leave:
			h.mu.Lock()
			h.drop(c, "left")
			h.mu.Unlock()
		case ev := <-h.events:
			h.mu.Lock()
			for c := range h.clients {
				if c.follows(ev.DeviceID) {
					h.deliver(c, ev)
				}
			}
			h.mu.Unlock()
		}
	}
}

// deliver queues ev on c and drops c when its queue is full. h.mu is held.
func (h *WSHub) deliver(c *wsClient, ev StatusEvent) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws encode event", "device", ev.DeviceID, "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.drop(c, "too slow")
	}
}

// drop removes c and closes its queue. h.mu is held.
func (h *WSHub) drop(c *wsClient, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("ws client dropped", "reason", reason, "remaining", len(h.clients))
}

func (h *WSHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.drop(c, "shutdown")
	}
}

// Stop shuts the hub down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues ev for the clients following its robot. It drops ev
// when the queue is full.
func (h *WSHub) Broadcast(ev StatusEvent) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws event queue full, dropping event", "device", ev.DeviceID)
	}
}

// handleWS streams status events. ?device=<id> limits the stream to one
// robot. Client messages are not expected; sending one closes the stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{conn: conn, device: r.URL.Query().Get("device"), send: make(chan []byte, 64)}
	select {
	case s.wsHub.join <- joinRequest{client: client, greeting: s.cachedEvents(client)}:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx := conn.CloseRead(context.Background())
	s.stream(ctx, client)

	select {
	case s.wsHub.leave <- client:
	case <-s.wsHub.done:
	}
}

// cachedEvents returns the last stored status of every robot c follows.
func (s *Server) cachedEvents(c *wsClient) []StatusEvent {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.ListStatus()
	if err != nil {
		s.logger.Warn("ws greeting", "err", err)
		return nil
	}
	var out []StatusEvent
	for _, rec := range recs {
		if c.follows(rec.DeviceID) {
			out = append(out, newStatusEvent(rec.DeviceID, false, rec.Reported, rec.ReceivedAt))
		}
	}
	return out
}

// stream writes queued events until the peer goes away or the hub drops
// the client.
func (s *Server) stream(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
