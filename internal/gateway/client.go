// Package gateway is the websocket client for the messaging gateway. It
// speaks a JSON event-envelope protocol and implements the realtime.Socket
// collaborator: one shared connection, room scoping handled by the callers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
)

// Defaults for the connection keepalive and acknowledgement wait.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultAckTimeout   = 10 * time.Second

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// envelope is the wire frame for every event in both directions. Outbound
// frames that expect an acknowledgement carry an ID; the gateway answers
// with a frame of the same ID and Ok/Error set.
type envelope struct {
	Event   string          `json:"event"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ok      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Opts holds parameters for creating a Client.
type Opts struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// APIKey is sent as the apikey header on dial.
	APIKey string

	// Instance identifies the gateway instance, sent as a query parameter.
	Instance string

	// PingInterval defaults to DefaultPingInterval.
	PingInterval time.Duration

	// AckTimeout bounds EmitAck waits; defaults to DefaultAckTimeout.
	AckTimeout time.Duration
}

// Client is a reconnectable gateway connection. Connect is idempotent and
// the connection is shared: sessions register their own event handlers and
// remove them on leave, the connection itself stays up.
type Client struct {
	opts Opts

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	writeMu   sync.Mutex

	handlers    map[string]map[int]func(json.RawMessage)
	disconnects map[int]func(error)
	nextHandler int

	acks      map[uint64]chan error
	nextAckID uint64
}

// New creates a Client. It does not dial; Connect does.
func New(opts Opts) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("gateway: url scheme must be ws or wss, got %q", u.Scheme)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Client{
		opts:        opts,
		handlers:    make(map[string]map[int]func(json.RawMessage)),
		disconnects: make(map[int]func(error)),
		acks:        make(map[uint64]chan error),
	}, nil
}

// Connect implements realtime.Socket. Calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gateway: client closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	u, _ := url.Parse(c.opts.URL)
	if c.opts.Instance != "" {
		q := u.Query()
		q.Set("instance", c.opts.Instance)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("apikey", c.opts.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", u.Host, err)
	}

	c.mu.Lock()
	if c.connected || c.closed {
		// Lost the race with another Connect, or closed mid-dial.
		c.mu.Unlock()
		conn.Close()
		if c.Connected() {
			return nil
		}
		return fmt.Errorf("gateway: client closed")
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readPump(conn)
	go c.pingLoop(conn)
	return nil
}

// Connected implements realtime.Socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the client down for good. Disconnect handlers do not fire for
// a deliberate close.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Emit implements realtime.Socket: fire-and-forget event send.
func (c *Client) Emit(event string, payload any) error {
	return c.write(envelope{Event: event}, payload)
}

// EmitAck implements realtime.Socket: sends the event and waits for the
// gateway's acknowledgement frame.
func (c *Client) EmitAck(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ackCh := make(chan error, 1)
	c.acks[id] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	if err := c.write(envelope{Event: event, ID: id}, payload); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ackCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("gateway: ack %s: %w", event, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("gateway: ack %s: timed out after %s", event, c.opts.AckTimeout)
	}
}

// On implements realtime.Socket.
func (c *Client) On(event string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(json.RawMessage))
	}
	c.nextHandler++
	id := c.nextHandler
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnDisconnect implements realtime.Socket.
func (c *Client) OnDisconnect(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.disconnects[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.disconnects, id)
	}
}

// write marshals and sends one frame. Writes are serialized; gorilla
// connections allow one concurrent writer.
func (c *Client) write(env envelope, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("gateway: not connected")
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway: marshal %s payload: %w", env.Event, err)
		}
		env.Payload = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("gateway: write %s: %w", env.Event, err)
	}
	return nil
}

// readPump reads frames until the connection dies, dispatching event
// handlers and resolving pending acknowledgements.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("gateway: bad frame: %v", err)
			continue
		}

		// Acknowledgement frames resolve a pending EmitAck.
		if env.ID != 0 && env.Ok != nil {
			c.mu.Lock()
			ackCh := c.acks[env.ID]
			c.mu.Unlock()
			if ackCh != nil {
				if *env.Ok {
					ackCh <- nil
				} else {
					ackCh <- fmt.Errorf("gateway: %s", env.Error)
				}
			}
			continue
		}

		c.dispatch(env.Event, env.Payload)
	}
}

// dispatch fans one inbound event out to its handlers.
func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// pingLoop emits application-level pings until the connection drops. A
// failed ping surfaces through the read pump as a connection error.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		live := c.connected && c.conn == conn
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.Emit(realtime.EventPing, nil); err != nil {
			return
		}
	}
}

// dropped handles an unexpected connection loss: pending acknowledgements
// fail, disconnect handlers fire, and the supervisor decides what happens
// next.
func (c *Client) dropped(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	deliberate := c.closed
	c.conn = nil
	c.connected = false
	for id, ackCh := range c.acks {
		ackCh <- fmt.Errorf("gateway: connection lost: %w", cause)
		delete(c.acks, id)
	}
	fns := make([]func(error), 0, len(c.disconnects))
	for _, fn := range c.disconnects {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	conn.Close()
	if deliberate {
		return
	}
	log.Printf("gateway: connection lost: %v", cause)
	for _, fn := range fns {
		fn(cause)
	}
}
