package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeClient consumes Supabase Realtime (Phoenix channel protocol) change
// feeds. Channels joined before a disconnect are re-joined on reconnect.
type RealtimeClient struct {
	mu          sync.Mutex
	writeMu     sync.Mutex
	url         string
	accessToken string
	conn        *websocket.Conn
	done        chan struct{}
	stop        chan struct{}
	closed      bool
	channels    map[string]*Channel
	ref         int
	wg          sync.WaitGroup

	heartbeatInterval time.Duration
	reconnectMin      time.Duration
	reconnectMax      time.Duration
	onError           func(error)
}

// ChangeEvent is one row change delivered by a postgres_changes binding.
type ChangeEvent struct {
	Topic           string         `json:"-"`
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

// String returns a string column from the new record, falling back to the
// old record for deletes.
func (e ChangeEvent) String(column string) string {
	if v, ok := e.Record[column].(string); ok {
		return v
	}
	if v, ok := e.OldRecord[column].(string); ok {
		return v
	}
	return ""
}

// ChangeHandler runs on the client's read goroutine and must not block.
type ChangeHandler func(ChangeEvent)

// PostgresChangesConfig selects the row changes a binding receives.
type PostgresChangesConfig struct {
	Event  string `json:"event"` // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"` // e.g. "user_id=eq.42"
}

type binding struct {
	cfg     PostgresChangesConfig
	handler ChangeHandler
}

// Channel represents a realtime channel.
type Channel struct {
	client   *RealtimeClient
	topic    string
	bindings []binding
	joined   bool
	joinRef  string
}

// NewRealtimeClient creates a realtime client for the project at supabaseURL.
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	return &RealtimeClient{
		url:               wsURL,
		accessToken:       apiKey,
		channels:          make(map[string]*Channel),
		stop:              make(chan struct{}),
		heartbeatInterval: 30 * time.Second,
		reconnectMin:      time.Second,
		reconnectMax:      30 * time.Second,
		onError:           func(error) {},
	}
}

// SetAccessToken sets the JWT sent with channel joins. Defaults to the API key.
func (r *RealtimeClient) SetAccessToken(token string) {
	r.mu.Lock()
	r.accessToken = token
	r.mu.Unlock()
}

// OnError registers a callback for connection and join failures.
func (r *RealtimeClient) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// SetHeartbeatInterval overrides the 30s heartbeat.
func (r *RealtimeClient) SetHeartbeatInterval(d time.Duration) {
	r.mu.Lock()
	r.heartbeatInterval = d
	r.mu.Unlock()
}

// Connect establishes the WebSocket connection and re-joins known channels.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("realtime client closed")
	}
	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})

	r.wg.Add(2)
	go r.readLoop(conn)
	go r.heartbeat(conn, r.done, r.heartbeatInterval)

	for _, ch := range r.channels {
		if len(ch.bindings) == 0 {
			continue
		}
		ch.joined = false
		if err := r.joinLocked(ch); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes the connection, stops reconnecting and waits for the
// client's goroutines to exit.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
	conn := r.conn
	r.conn = nil
	if conn != nil {
		close(r.done)
	}
	r.mu.Unlock()

	var err error
	if conn != nil {
		r.writeMu.Lock()
		werr := conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		r.writeMu.Unlock()
		if werr != nil {
			err = fmt.Errorf("close message: %w", werr)
		}
		conn.Close()
	}

	r.wg.Wait()
	return err
}

// Channel returns or creates a channel.
func (r *RealtimeClient) Channel(topic string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := "realtime:" + topic
	if ch, ok := r.channels[full]; ok {
		return ch
	}

	ch := &Channel{client: r, topic: full}
	r.channels[full] = ch
	return ch
}

// OnPostgresChanges adds a row-change binding. Bindings must be added before
// Subscribe.
func (c *Channel) OnPostgresChanges(cfg PostgresChangesConfig, handler ChangeHandler) *Channel {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Event == "" {
		cfg.Event = "*"
	}

	c.client.mu.Lock()
	c.bindings = append(c.bindings, binding{cfg: cfg, handler: handler})
	c.client.mu.Unlock()
	return c
}

// Subscribe joins the channel with its bindings.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	if c.joined {
		return nil
	}
	if c.client.conn == nil {
		return fmt.Errorf("realtime not connected")
	}
	return c.client.joinLocked(c)
}

// Unsubscribe leaves the channel and forgets it.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	r := c.client
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.channels, c.topic)
	if !c.joined || r.conn == nil {
		c.joined = false
		return nil
	}

	msg := phoenixMessage{
		Topic:   c.topic,
		Event:   "phx_leave",
		Payload: map[string]any{},
		Ref:     r.nextRefLocked(),
		JoinRef: c.joinRef,
	}
	c.joined = false
	if err := r.write(r.conn, msg); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return nil
}

// SubscribeToPostgresChanges joins a dedicated channel for one binding.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, cfg PostgresChangesConfig, handler ChangeHandler) (*Channel, error) {
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	topic := cfg.Schema + ":" + cfg.Table
	if cfg.Filter != "" {
		topic += ":" + cfg.Filter
	}

	ch := r.Channel(topic).OnPostgresChanges(cfg, handler)
	if err := ch.Subscribe(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// =============================================================================
// Wire protocol
// =============================================================================

type phoenixMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type inboundMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

func (r *RealtimeClient) nextRefLocked() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *RealtimeClient) joinLocked(c *Channel) error {
	changes := make([]PostgresChangesConfig, len(c.bindings))
	for i, b := range c.bindings {
		changes[i] = b.cfg
	}

	ref := r.nextRefLocked()
	c.joinRef = ref
	msg := phoenixMessage{
		Topic: c.topic,
		Event: "phx_join",
		Payload: map[string]any{
			"config": map[string]any{
				"broadcast":        map[string]any{"self": false},
				"presence":         map[string]any{"key": ""},
				"postgres_changes": changes,
			},
			"access_token": r.accessToken,
		},
		Ref:     ref,
		JoinRef: ref,
	}
	if err := r.write(r.conn, msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	c.joined = true
	return nil
}

func (r *RealtimeClient) write(conn *websocket.Conn, msg phoenixMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.handleDisconnect(conn, err)
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		r.dispatch(&msg)
	}
}

func (r *RealtimeClient) dispatch(msg *inboundMessage) {
	switch msg.Event {
	case "postgres_changes":
		var payload struct {
			Data ChangeEvent `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		r.deliver(msg.Topic, payload.Data)
	case "INSERT", "UPDATE", "DELETE":
		var ev ChangeEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return
		}
		if ev.Type == "" {
			ev.Type = msg.Event
		}
		r.deliver(msg.Topic, ev)
	case "phx_reply":
		var reply struct {
			Status   string         `json:"status"`
			Response map[string]any `json:"response"`
		}
		if err := json.Unmarshal(msg.Payload, &reply); err == nil && reply.Status == "error" {
			r.reportError(fmt.Errorf("realtime %s: join rejected: %v", msg.Topic, reply.Response))
		}
	case "system":
		var sys struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Payload, &sys); err == nil && sys.Status == "error" {
			r.reportError(fmt.Errorf("realtime %s: %s", msg.Topic, sys.Message))
		}
	}
}

func (r *RealtimeClient) deliver(topic string, ev ChangeEvent) {
	ev.Topic = topic

	r.mu.Lock()
	ch := r.channels[topic]
	var handlers []ChangeHandler
	if ch != nil {
		for _, b := range ch.bindings {
			if b.cfg.Table != "" && b.cfg.Table != ev.Table {
				continue
			}
			if b.cfg.Event != "*" && b.cfg.Event != ev.Type {
				continue
			}
			handlers = append(handlers, b.handler)
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (r *RealtimeClient) reportError(err error) {
	r.mu.Lock()
	fn := r.onError
	r.mu.Unlock()
	fn(err)
}

func (r *RealtimeClient) handleDisconnect(conn *websocket.Conn, err error) {
	r.mu.Lock()
	if r.conn != conn {
		// Disconnect already tore this connection down.
		r.mu.Unlock()
		return
	}
	r.conn = nil
	close(r.done)
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	r.reportError(fmt.Errorf("realtime connection lost: %w", err))
	go r.reconnect()
}

func (r *RealtimeClient) reconnect() {
	defer r.wg.Done()

	backoff := r.reconnectMin
	for {
		select {
		case <-r.stop:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		r.reportError(err)

		backoff *= 2
		if backoff > r.reconnectMax {
			backoff = r.reconnectMax
		}
	}
}

func (r *RealtimeClient) heartbeat(conn *websocket.Conn, done <-chan struct{}, interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			ref := r.nextRefLocked()
			r.mu.Unlock()
			msg := phoenixMessage{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: map[string]any{},
				Ref:     ref,
			}
			if err := r.write(conn, msg); err != nil {
				r.reportError(fmt.Errorf("heartbeat: %w", err))
			}
		}
	}
}
