package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Gateway socket events. The connection is shared process-wide; everything
// conversation-scoped travels inside the payloads.
const (
	// Emitted.
	EventJoinTicket      = "join-ticket"
	EventRequestMessages = "request-messages"
	EventSendMessage     = "send-message"
	EventPing            = "ping"

	// Consumed.
	EventNewMessage      = "new-message"
	EventMessagesLoaded  = "messages-loaded"
	EventMessageStatus   = "message-status"
	EventConnectionStats = "connection-stats"
	EventError           = "error"
)

// Socket is the persistent gateway connection collaborator. Connect must be
// idempotent: the underlying connection is shared across sessions, and a
// session joining an already-open socket is a no-op at the connection level.
type Socket interface {
	Connect(ctx context.Context) error
	Connected() bool

	// Emit sends an event without waiting for acknowledgement.
	Emit(event string, payload any) error

	// EmitAck sends an event and waits for the gateway to acknowledge it.
	// Success means the gateway accepted the event for relay, not that the
	// remote recipient received it.
	EmitAck(ctx context.Context, event string, payload any) error

	// On registers a handler for an inbound event and returns a function
	// that removes exactly that handler.
	On(event string, fn func(json.RawMessage)) (off func())

	// OnDisconnect registers a handler invoked when the connection drops.
	// Returns a removal function.
	OnDisconnect(fn func(error)) (off func())
}

// WireMessage is the gateway's JSON shape for a ticket message.
type WireMessage struct {
	ID          string           `json:"id"`
	TicketID    string           `json:"ticket_id"`
	Content     string           `json:"content"`
	SenderID    string           `json:"sender_id,omitempty"`
	SenderName  string           `json:"sender_name,omitempty"`
	Role        string           `json:"role,omitempty"`
	Internal    bool             `json:"is_internal,omitempty"`
	FromChannel bool             `json:"from_channel,omitempty"`
	Delivery    string           `json:"delivery,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Attachments []WireAttachment `json:"attachments,omitempty"`
}

// WireAttachment is the gateway's JSON shape for an attachment.
type WireAttachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	MimeKind  string `json:"mime_kind"`
	SizeBytes int64  `json:"size_bytes"`
}

// WireStatus is the gateway's delivery-confirmation event payload.
type WireStatus struct {
	MessageID string `json:"message_id"`
	TicketID  string `json:"ticket_id"`
	Delivery  string `json:"delivery"`
}

// wireJoin is the payload for join-ticket and request-messages.
type wireJoin struct {
	TicketID string `json:"ticket_id"`
}

// wireSend is the payload for send-message.
type wireSend struct {
	ID       string `json:"id"`
	TicketID string `json:"ticket_id"`
	Content  string `json:"content"`
	Internal bool   `json:"is_internal"`
}

// wireStats is the connection-stats event payload.
type wireStats struct {
	Connected int     `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
}

// Record converts the wire shape into a SourceRecord.
func (w WireMessage) Record() SourceRecord {
	rec := SourceRecord{
		ID:          w.ID,
		TicketID:    w.TicketID,
		Content:     w.Content,
		SenderID:    w.SenderID,
		SenderName:  w.SenderName,
		Role:        w.Role,
		Internal:    w.Internal,
		FromChannel: w.FromChannel,
		Delivery:    w.Delivery,
		CreatedAt:   w.CreatedAt,
	}
	for _, a := range w.Attachments {
		rec.Attachments = append(rec.Attachments, Attachment(a))
	}
	return rec
}

// SocketTransport adapts the shared gateway socket into the Transport
// contract for one conversation. Join emits the room-join and backlog
// request; Leave removes only this conversation's handlers, never the shared
// connection.
type SocketTransport struct {
	socket Socket

	mu       sync.Mutex
	ticketID string
	offs     []func()
	active   bool
	onRecord func(SourceRecord)
	onBatch  func([]SourceRecord)
	onStatus func(WireStatus)
	onDown   func(error)
}

// NewSocketTransport creates a SocketTransport over the shared socket.
func NewSocketTransport(socket Socket) *SocketTransport {
	return &SocketTransport{socket: socket}
}

// Kind implements Transport.
func (t *SocketTransport) Kind() SourceKind { return SourceSocket }

// OnRecord implements Transport.
func (t *SocketTransport) OnRecord(fn func(SourceRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecord = fn
}

// OnBatch registers the callback for backlog batches (messages-loaded).
func (t *SocketTransport) OnBatch(fn func([]SourceRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBatch = fn
}

// OnStatus registers the callback for delivery confirmations.
func (t *SocketTransport) OnStatus(fn func(WireStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = fn
}

// OnDown registers the supervisor's failure callback.
func (t *SocketTransport) OnDown(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDown = fn
}

// Join implements Transport: it registers conversation-scoped handlers,
// emits the room join, and requests the message backlog.
func (t *SocketTransport) Join(ctx context.Context, ticketID string) error {
	if err := t.socket.Connect(ctx); err != nil {
		return fmt.Errorf("realtime: socket connect: %w", err)
	}

	t.mu.Lock()
	t.ticketID = ticketID
	t.removeHandlersLocked()
	t.offs = []func(){
		t.socket.On(EventNewMessage, t.handleNewMessage),
		t.socket.On(EventMessagesLoaded, t.handleMessagesLoaded),
		t.socket.On(EventMessageStatus, t.handleStatus),
		t.socket.On(EventConnectionStats, t.handleStats),
		t.socket.On(EventError, t.handleError),
	}
	t.offs = append(t.offs, t.socket.OnDisconnect(t.handleDisconnect))
	t.active = true
	t.mu.Unlock()

	if err := t.socket.Emit(EventJoinTicket, wireJoin{TicketID: ticketID}); err != nil {
		return fmt.Errorf("realtime: join ticket %s: %w", ticketID, err)
	}
	if err := t.socket.Emit(EventRequestMessages, wireJoin{TicketID: ticketID}); err != nil {
		return fmt.Errorf("realtime: request backlog %s: %w", ticketID, err)
	}
	return nil
}

// Leave implements Transport: it removes this conversation's handlers. The
// shared connection stays open for other sessions.
func (t *SocketTransport) Leave(ticketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticketID != ticketID {
		return
	}
	t.removeHandlersLocked()
	t.ticketID = ""
	t.active = false
}

// Active implements Transport.
func (t *SocketTransport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && t.socket.Connected()
}

// Send submits an outbound message for relay. The returned error reflects
// gateway acceptance only; delivery confirmation arrives later as a
// message-status event.
func (t *SocketTransport) Send(ctx context.Context, externalID, content string, internal bool) error {
	t.mu.Lock()
	ticketID := t.ticketID
	t.mu.Unlock()
	if ticketID == "" {
		return fmt.Errorf("realtime: socket transport not joined")
	}

	err := t.socket.EmitAck(ctx, EventSendMessage, wireSend{
		ID:       externalID,
		TicketID: ticketID,
		Content:  content,
		Internal: internal,
	})
	if err != nil {
		return fmt.Errorf("realtime: send message: %w", err)
	}
	return nil
}

func (t *SocketTransport) removeHandlersLocked() {
	for _, off := range t.offs {
		off()
	}
	t.offs = nil
}

func (t *SocketTransport) handleNewMessage(raw json.RawMessage) {
	var wire WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		log.Printf("realtime: bad new-message payload: %v", err)
		return
	}

	t.mu.Lock()
	match := wire.TicketID == t.ticketID
	onRecord := t.onRecord
	t.mu.Unlock()
	if !match || onRecord == nil {
		return
	}
	onRecord(wire.Record())
}

func (t *SocketTransport) handleMessagesLoaded(raw json.RawMessage) {
	var payload struct {
		TicketID string        `json:"ticket_id"`
		Messages []WireMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("realtime: bad messages-loaded payload: %v", err)
		return
	}

	t.mu.Lock()
	match := payload.TicketID == t.ticketID
	onBatch := t.onBatch
	t.mu.Unlock()
	if !match || onBatch == nil {
		return
	}

	recs := make([]SourceRecord, 0, len(payload.Messages))
	for _, wire := range payload.Messages {
		recs = append(recs, wire.Record())
	}
	onBatch(recs)
}

func (t *SocketTransport) handleStatus(raw json.RawMessage) {
	var status WireStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		log.Printf("realtime: bad message-status payload: %v", err)
		return
	}

	t.mu.Lock()
	match := status.TicketID == "" || status.TicketID == t.ticketID
	onStatus := t.onStatus
	t.mu.Unlock()
	if !match || onStatus == nil {
		return
	}
	onStatus(status)
}

func (t *SocketTransport) handleStats(raw json.RawMessage) {
	var stats wireStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return
	}
	log.Printf("realtime: gateway stats: %d connected, %.0fms latency", stats.Connected, stats.LatencyMs)
}

func (t *SocketTransport) handleError(raw json.RawMessage) {
	log.Printf("realtime: gateway error event: %s", string(raw))
}

func (t *SocketTransport) handleDisconnect(err error) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	onDown := t.onDown
	t.mu.Unlock()

	if onDown != nil {
		onDown(err)
	}
}
