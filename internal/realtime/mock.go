package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/luckbys/bkcrm-sub006/internal/models"
)

// MockSocket implements Socket for testing. It records emitted events and
// allows simulating inbound events and disconnects.
type MockSocket struct {
	mu          sync.Mutex
	connected   bool
	failConnect error
	failAck     error
	emitted     []MockEmit
	handlers    map[string]map[int]func(json.RawMessage)
	disconnects map[int]func(error)
	nextID      int
}

// MockEmit is one recorded Emit/EmitAck call.
type MockEmit struct {
	Event   string
	Payload any
	Acked   bool
}

// NewMockSocket creates a MockSocket.
func NewMockSocket() *MockSocket {
	return &MockSocket{
		handlers:    make(map[string]map[int]func(json.RawMessage)),
		disconnects: make(map[int]func(error)),
	}
}

// FailConnect makes subsequent Connect calls return err.
func (m *MockSocket) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnect = err
}

// FailAck makes subsequent EmitAck calls return err.
func (m *MockSocket) FailAck(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAck = err
}

// Connect implements Socket.
func (m *MockSocket) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failConnect != nil {
		return m.failConnect
	}
	m.connected = true
	return nil
}

// Connected implements Socket.
func (m *MockSocket) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Emit implements Socket.
func (m *MockSocket) Emit(event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock socket: not connected")
	}
	m.emitted = append(m.emitted, MockEmit{Event: event, Payload: payload})
	return nil
}

// EmitAck implements Socket.
func (m *MockSocket) EmitAck(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock socket: not connected")
	}
	if m.failAck != nil {
		return m.failAck
	}
	m.emitted = append(m.emitted, MockEmit{Event: event, Payload: payload, Acked: true})
	return nil
}

// On implements Socket.
func (m *MockSocket) On(event string, fn func(json.RawMessage)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]func(json.RawMessage))
	}
	m.nextID++
	id := m.nextID
	m.handlers[event][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[event], id)
	}
}

// OnDisconnect implements Socket.
func (m *MockSocket) OnDisconnect(fn func(error)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.disconnects[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.disconnects, id)
	}
}

// --- Test helpers ---

// SimulateEvent dispatches an inbound event to registered handlers. The
// payload is marshalled to JSON first.
func (m *MockSocket) SimulateEvent(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(m.handlers[event]))
	for _, fn := range m.handlers[event] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

// SimulateDisconnect marks the socket disconnected and fires handlers.
func (m *MockSocket) SimulateDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	fns := make([]func(error), 0, len(m.disconnects))
	for _, fn := range m.disconnects {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Emitted returns a copy of all recorded emits.
func (m *MockSocket) Emitted() []MockEmit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockEmit, len(m.emitted))
	copy(out, m.emitted)
	return out
}

// EmittedEvents returns the recorded event names in order.
func (m *MockSocket) EmittedEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.emitted))
	for i, e := range m.emitted {
		names[i] = e.Event
	}
	return names
}

// HandlerCount returns how many handlers are registered for an event.
func (m *MockSocket) HandlerCount(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers[event])
}

// MockFeed implements ChangeFeed for testing.
type MockFeed struct {
	mu      sync.Mutex
	failSub error
	subs    []*MockFeedSub
}

// MockFeedSub is a live mock subscription.
type MockFeedSub struct {
	TicketID string
	Handler  FeedHandler
	mu       sync.Mutex
	closed   bool
}

// NewMockFeed creates a MockFeed.
func NewMockFeed() *MockFeed { return &MockFeed{} }

// FailSubscribe makes subsequent Subscribe calls return err.
func (f *MockFeed) FailSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSub = err
}

// Subscribe implements ChangeFeed.
func (f *MockFeed) Subscribe(ctx context.Context, ticketID string, h FeedHandler) (FeedSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSub != nil {
		return nil, f.failSub
	}
	sub := &MockFeedSub{TicketID: ticketID, Handler: h}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// ActiveSubs returns the subscriptions that have not been unsubscribed.
func (f *MockFeed) ActiveSubs() []*MockFeedSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*MockFeedSub
	for _, sub := range f.subs {
		if !sub.Closed() {
			active = append(active, sub)
		}
	}
	return active
}

// Unsubscribe implements FeedSubscription.
func (s *MockFeedSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Unsubscribe was called.
func (s *MockFeedSub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Push delivers an insert event through the subscription.
func (s *MockFeedSub) Push(rec SourceRecord) {
	if s.Closed() {
		return
	}
	if s.Handler.OnInsert != nil {
		s.Handler.OnInsert(rec)
	}
}

// PushError delivers a feed error.
func (s *MockFeedSub) PushError(err error) {
	if s.Closed() {
		return
	}
	if s.Handler.OnError != nil {
		s.Handler.OnError(err)
	}
}

// MockFetcher implements Fetcher over an in-memory record set.
type MockFetcher struct {
	mu      sync.Mutex
	records map[string][]SourceRecord // ticket id -> records
	err     error
	calls   int
	block   chan struct{} // when set, FetchMessages waits until closed
}

// NewMockFetcher creates an empty MockFetcher.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{records: make(map[string][]SourceRecord)}
}

// Add appends records for a ticket.
func (f *MockFetcher) Add(ticketID string, recs ...SourceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[ticketID] = append(f.records[ticketID], recs...)
}

// Fail makes FetchMessages return err.
func (f *MockFetcher) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Block makes FetchMessages wait on the returned channel before responding,
// simulating a slow in-flight request.
func (f *MockFetcher) Block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f.block
}

// Calls returns how many fetches were issued.
func (f *MockFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FetchMessages implements Fetcher.
func (f *MockFetcher) FetchMessages(ctx context.Context, ticketID string, since int64) ([]SourceRecord, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	err := f.err
	recs := make([]SourceRecord, len(f.records[ticketID]))
	copy(recs, f.records[ticketID])
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return recs, nil
}

// MockRelay implements Relay for testing.
type MockRelay struct {
	ChannelName string
	Err         error

	mu    sync.Mutex
	sent  []string
	calls int
}

// Name implements Relay.
func (r *MockRelay) Name() string { return r.ChannelName }

// RelayMessage implements Relay.
func (r *MockRelay) RelayMessage(ctx context.Context, ticket *models.Ticket, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, content)
	return nil
}

// Calls returns how many relay attempts were made.
func (r *MockRelay) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Sent returns the successfully relayed contents.
func (r *MockRelay) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	copy(out, r.sent)
	return out
}
