package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func joinedSocketTransport(t *testing.T) (*SocketTransport, *MockSocket) {
	t.Helper()
	sock := NewMockSocket()
	tr := NewSocketTransport(sock)
	if err := tr.Join(context.Background(), "t-1"); err != nil {
		t.Fatal(err)
	}
	return tr, sock
}

func TestSocketTransport_JoinEmitsRoomJoinAndBacklogRequest(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	events := sock.EmittedEvents()
	if len(events) != 2 || events[0] != EventJoinTicket || events[1] != EventRequestMessages {
		t.Errorf("emitted = %v, want [join-ticket request-messages]", events)
	}
	if !tr.Active() {
		t.Error("not active after Join")
	}
}

func TestSocketTransport_JoinConnectFailure(t *testing.T) {
	sock := NewMockSocket()
	sock.FailConnect(errors.New("dial refused"))
	tr := NewSocketTransport(sock)
	if err := tr.Join(context.Background(), "t-1"); err == nil {
		t.Fatal("Join succeeded despite connect failure")
	}
	if tr.Active() {
		t.Error("active after failed Join")
	}
}

func TestSocketTransport_NewMessageFilteredByTicket(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	var got []SourceRecord
	tr.OnRecord(func(rec SourceRecord) { got = append(got, rec) })

	sock.SimulateEvent(EventNewMessage, WireMessage{
		ID: "m-100001", TicketID: "t-1", Content: "for us", CreatedAt: time.Now(),
	})
	sock.SimulateEvent(EventNewMessage, WireMessage{
		ID: "m-100002", TicketID: "t-9", Content: "someone else's room",
	})

	if len(got) != 1 || got[0].ID != "m-100001" {
		t.Fatalf("records = %+v, want only m-100001", got)
	}
	if got[0].Content != "for us" {
		t.Errorf("Content = %q", got[0].Content)
	}
}

func TestSocketTransport_MessagesLoadedBatch(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	var batch []SourceRecord
	tr.OnBatch(func(recs []SourceRecord) { batch = recs })

	sock.SimulateEvent(EventMessagesLoaded, map[string]any{
		"ticket_id": "t-1",
		"messages": []WireMessage{
			{ID: "m-100001", TicketID: "t-1", Content: "a"},
			{ID: "m-100002", TicketID: "t-1", Content: "b", Attachments: []WireAttachment{
				{ID: "att-1", Name: "photo.jpg", MimeKind: "image", SizeBytes: 2048},
			}},
		},
	})

	if len(batch) != 2 {
		t.Fatalf("batch len = %d, want 2", len(batch))
	}
	if len(batch[1].Attachments) != 1 || batch[1].Attachments[0].Name != "photo.jpg" {
		t.Errorf("attachments not carried through: %+v", batch[1].Attachments)
	}
}

func TestSocketTransport_StatusEvents(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	var statuses []WireStatus
	tr.OnStatus(func(st WireStatus) { statuses = append(statuses, st) })

	sock.SimulateEvent(EventMessageStatus, WireStatus{MessageID: "m-100001", TicketID: "t-1", Delivery: "delivered"})
	// No ticket scope means a broadcast confirmation; it still applies.
	sock.SimulateEvent(EventMessageStatus, WireStatus{MessageID: "m-100002", Delivery: "read"})
	sock.SimulateEvent(EventMessageStatus, WireStatus{MessageID: "m-100003", TicketID: "t-9", Delivery: "read"})

	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v, want 2", statuses)
	}
	if statuses[0].Delivery != "delivered" || statuses[1].MessageID != "m-100002" {
		t.Errorf("unexpected statuses: %+v", statuses)
	}
}

func TestSocketTransport_LeaveRemovesOnlyRoomHandlers(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	if n := sock.HandlerCount(EventNewMessage); n != 1 {
		t.Fatalf("new-message handlers = %d, want 1", n)
	}

	var got int
	tr.OnRecord(func(SourceRecord) { got++ })

	tr.Leave("t-1")
	if sock.HandlerCount(EventNewMessage) != 0 {
		t.Error("handlers survived Leave")
	}
	if !sock.Connected() {
		t.Error("Leave closed the shared connection")
	}

	sock.SimulateEvent(EventNewMessage, WireMessage{ID: "m-100001", TicketID: "t-1", Content: "late"})
	if got != 0 {
		t.Error("record delivered after Leave")
	}
}

func TestSocketTransport_RejoinDoesNotStackHandlers(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	if err := tr.Join(context.Background(), "t-1"); err != nil {
		t.Fatal(err)
	}
	if n := sock.HandlerCount(EventNewMessage); n != 1 {
		t.Errorf("new-message handlers after rejoin = %d, want 1", n)
	}
}

func TestSocketTransport_Send(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	if err := tr.Send(context.Background(), "local-abc", "hello there", false); err != nil {
		t.Fatal(err)
	}
	emits := sock.Emitted()
	last := emits[len(emits)-1]
	if last.Event != EventSendMessage || !last.Acked {
		t.Errorf("last emit = %+v, want acked send-message", last)
	}
	payload, ok := last.Payload.(wireSend)
	if !ok {
		t.Fatalf("payload type %T", last.Payload)
	}
	if payload.ID != "local-abc" || payload.TicketID != "t-1" || payload.Internal {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSocketTransport_SendFailures(t *testing.T) {
	sock := NewMockSocket()
	tr := NewSocketTransport(sock)
	if err := tr.Send(context.Background(), "local-abc", "x", false); err == nil {
		t.Error("send before Join succeeded")
	}

	if err := tr.Join(context.Background(), "t-1"); err != nil {
		t.Fatal(err)
	}
	ackErr := errors.New("gateway rejected")
	sock.FailAck(ackErr)
	if err := tr.Send(context.Background(), "local-abc", "x", false); !errors.Is(err, ackErr) {
		t.Errorf("send error = %v, want wrapping %v", err, ackErr)
	}
}

func TestSocketTransport_DisconnectNotifiesOnce(t *testing.T) {
	tr, sock := joinedSocketTransport(t)

	var downs []error
	tr.OnDown(func(err error) { downs = append(downs, err) })

	cause := errors.New("read: connection reset")
	sock.SimulateDisconnect(cause)
	if tr.Active() {
		t.Error("active after disconnect")
	}
	if len(downs) != 1 || !errors.Is(downs[0], cause) {
		t.Fatalf("downs = %v, want one report of %v", downs, cause)
	}

	sock.SimulateDisconnect(errors.New("again"))
	if len(downs) != 1 {
		t.Error("duplicate disconnect reported while already down")
	}
}
