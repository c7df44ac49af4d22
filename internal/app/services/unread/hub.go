package unread

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plaza-social/plaza/internal/cache"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 1024
	sendBuffer     = 16
)

// Refresher recounts a user's badges on request.
type Refresher interface {
	Refresh(ctx context.Context, userID string)
}

type conn struct {
	ws     *websocket.Conn
	userID string
	send   chan []byte
}

// Hub holds the websocket connections of this instance and delivers recount
// results published on the bus to the matching users.
type Hub struct {
	bus       cache.Bus
	refresher Refresher
	metrics   *metrics.Metrics
	log       *logging.Logger
	upgrader  websocket.Upgrader

	mu          sync.RWMutex
	clients     map[string]map[*conn]struct{}
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewHub creates a hub. checkOrigin may be nil to accept any origin; the
// connection is authenticated by its access token either way.
func NewHub(bus cache.Bus, refresher Refresher, m *metrics.Metrics, checkOrigin func(*http.Request) bool, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		bus:       bus,
		refresher: refresher,
		metrics:   m,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]map[*conn]struct{}),
	}
}

func (h *Hub) Name() string { return "unread-hub" }

// Start subscribes to recount results.
func (h *Hub) Start(ctx context.Context) error {
	cancel, err := h.bus.Subscribe(ctx, Channel, h.deliver)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.unsubscribe = cancel
	h.mu.Unlock()
	return nil
}

// Stop unsubscribes and closes every connection.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	for _, set := range h.clients {
		for c := range set {
			_ = c.ws.Close()
		}
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and serves userID until the connection
// closes. The caller has already authenticated the request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &conn{ws: ws, userID: userID, send: make(chan []byte, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	h.wg.Add(1)
	go h.writePump(c)

	// Send the current counts right away.
	h.refresh(userID)
	h.readPump(c)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*conn]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.RealtimeConnected()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			h.metrics.RealtimeDisconnected()
		}
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
}

type inbound struct {
	Type string `json:"type"`
}

func (h *Hub) readPump(c *conn) {
	c.ws.SetReadLimit(maxInboundSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("user_id", c.userID).Debug("websocket closed")
			}
			return
		}
		var msg inbound
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "refresh" {
			h.refresh(c.userID)
		}
	}
}

func (h *Hub) writePump(c *conn) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) refresh(userID string) {
	if h.refresher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recountTimeout)
	defer cancel()
	h.refresher.Refresh(ctx, userID)
}

// deliver forwards one published recount to the user's local connections.
// A connection whose buffer is full is closed rather than blocking others.
func (h *Hub) deliver(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.UserID == "" {
		h.log.WithError(err).Warn("discarding malformed unread payload")
		return
	}
	msg, err := json.Marshal(env.Event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[env.UserID] {
		select {
		case c.send <- msg:
		default:
			_ = c.ws.Close()
		}
	}
}
