package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
)

var upgrader = websocket.Upgrader{}

// testGateway is a minimal in-process gateway speaking the envelope protocol.
type testGateway struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []envelope
	header http.Header

	// ackError, when set, rejects acknowledged events with this message.
	ackError string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	g := &testGateway{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.header = r.Header.Clone()
		g.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()

		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			g.mu.Lock()
			g.frames = append(g.frames, env)
			ackErr := g.ackError
			g.mu.Unlock()

			if env.ID != 0 {
				ok := ackErr == ""
				conn.WriteJSON(envelope{Event: env.Event, ID: env.ID, Ok: &ok, Error: ackErr})
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *testGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *testGateway) push(t *testing.T, env envelope) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		t.Fatal("no gateway connection to push on")
	}
	if err := g.conns[len(g.conns)-1].WriteJSON(env); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (g *testGateway) frameEvents() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	events := make([]string, len(g.frames))
	for i, f := range g.frames {
		events[i] = f.Event
	}
	return events
}

func connectedClient(t *testing.T, g *testGateway) *Client {
	t.Helper()
	c, err := New(Opts{URL: g.url(), APIKey: "secret-key", Instance: "support-1"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func waitGateway(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("created without url")
	}
	if _, err := New(Opts{URL: "http://gateway.local"}); err == nil {
		t.Error("accepted non-websocket scheme")
	}
	if _, err := New(Opts{URL: "wss://gateway.local/ws"}); err != nil {
		t.Errorf("rejected valid wss url: %v", err)
	}
}

func TestClient_ConnectSendsCredentials(t *testing.T) {
	g := newTestGateway(t)
	c := connectedClient(t, g)
	if !c.Connected() {
		t.Fatal("not connected")
	}

	g.mu.Lock()
	apikey := g.header.Get("apikey")
	g.mu.Unlock()
	if apikey != "secret-key" {
		t.Errorf("apikey header = %q", apikey)
	}
}

func TestClient_ConnectIdempotent(t *testing.T) {
	g := newTestGateway(t)
	c := connectedClient(t, g)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	g.mu.Lock()
	conns := len(g.conns)
	g.mu.Unlock()
	if conns != 1 {
		t.Errorf("connections = %d, want 1", conns)
	}
}

func TestClient_EmitDeliversFrame(t *testing.T) {
	g := newTestGateway(t)
	c := connectedClient(t, g)

	if err := c.Emit(realtime.EventJoinTicket, map[string]string{"ticket_id": "t-1"}); err != nil {
		t.Fatal(err)
	}
	waitGateway(t, func() bool { return len(g.frameEvents()) >= 1 })

	g.mu.Lock()
	frame := g.frames[0]
	g.mu.Unlock()
	if frame.Event != realtime.EventJoinTicket {
		t.Errorf("event = %q", frame.Event)
	}
	var payload map[string]string
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["ticket_id"] != "t-1" {
		t.Errorf("payload = %v", payload)
	}
}

func TestClient_EmitNotConnected(t *testing.T) {
	c, err := New(Opts{URL: "ws://127.0.0.1:9/ws"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Emit(realtime.EventPing, nil); err == nil {
		t.Error("emit before connect succeeded")
	}
}

func TestClient_EmitAck(t *testing.T) {
	g := newTestGateway(t)
	c := connectedClient(t, g)

	if err := c.EmitAck(context.Background(), realtime.EventSendMessage, map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("acked emit: %v", err)
	}
}

func TestClient_EmitAckRejected(t *testing.T) {
	g := newTestGateway(t)
	g.mu.Lock()
	g.ackError = "instance offline"
	g.mu.Unlock()
	c := connectedClient(t, g)

	err := c.EmitAck(context.Background(), realtime.EventSendMessage, nil)
	if err == nil || !strings.Contains(err.Error(), "instance offline") {
		t.Errorf("error = %v, want gateway rejection", err)
	}
}

func TestClient_EmitAckContextCancelled(t *testing.T) {
	// A gateway that never acks: read frames, answer nothing.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(Opts{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.EmitAck(ctx, realtime.EventSendMessage, nil); err == nil {
		t.Error("unacknowledged emit returned nil")
	}
}

func TestClient_InboundEventDispatch(t *testing.T) {
	g := newTestGateway(t)
	c := connectedClient(t, g)

	var mu sync.Mutex
	var got []string
	off := c.On(realtime.EventNewMessage, func(raw json.RawMessage) {
		var payload map[string]string
		json.Unmarshal(raw, &payload)
		mu.Lock()
		got = append(got, payload["id"])
		mu.Unlock()
	})

	raw, _ := json.Marshal(map[string]string{"id": "msg-100001"})
	g.push(t, envelope{Event: realtime.EventNewMessage, Payload: raw})

	waitGateway(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	// Removed handlers receive nothing.
	off()
	g.push(t, envelope{Event: realtime.EventNewMessage, Payload: raw})
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("events after off() = %d, want 1", len(got))
	}
}

func TestClient_DisconnectNotifies(t *testing.T) {
	g := newTestGateway(t)
	c := connectedClient(t, g)

	var mu sync.Mutex
	var downs int
	c.OnDisconnect(func(error) {
		mu.Lock()
		downs++
		mu.Unlock()
	})

	g.mu.Lock()
	g.conns[0].Close()
	g.mu.Unlock()

	waitGateway(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return downs == 1
	})
	if c.Connected() {
		t.Error("still connected after server dropped the connection")
	}
}

func TestClient_CloseIsSilent(t *testing.T) {
	g := newTestGateway(t)
	c := connectedClient(t, g)

	var mu sync.Mutex
	var downs int
	c.OnDisconnect(func(error) {
		mu.Lock()
		downs++
		mu.Unlock()
	})

	c.Close()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if downs != 0 {
		t.Errorf("disconnect handlers fired %d time(s) on deliberate close", downs)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("reconnected a closed client")
	}
}
