package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/luckbys/bkcrm-sub006/internal/metrics"
	"github.com/luckbys/bkcrm-sub006/internal/models"
)

// ErrNoSession is returned by operations that need an open conversation.
var ErrNoSession = errors.New("realtime: no active session")

// DefaultPendingTimeout is how long a locally-originated send may stay
// pending before it is marked failed when no confirmation arrives.
const DefaultPendingTimeout = 20 * time.Second

// TicketSource looks up ticket metadata for relay decisions.
type TicketSource interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
}

// Relay forwards an agent's public message to the customer's external
// messaging channel.
type Relay interface {
	Name() string
	RelayMessage(ctx context.Context, ticket *models.Ticket, content string) error
}

// ControllerOpts holds the collaborators and tuning for a Controller.
type ControllerOpts struct {
	Feed    ChangeFeed
	Fetcher Fetcher
	Socket  Socket

	// Tickets resolves ticket metadata; optional. Without it no outbound
	// relay happens.
	Tickets TicketSource

	// Relays maps a ticket channel kind ("whatsapp", "slack", "discord")
	// to its outbound relay. Optional.
	Relays map[string]Relay

	PollInterval      time.Duration
	MinRefreshSpacing time.Duration
	PendingTimeout    time.Duration // defaults to DefaultPendingTimeout
	Reconnect         ReconnectPolicy
}

// Controller binds exactly one active conversation at a time. Open tears
// down any prior session, wires the three transports into a fresh merge
// buffer, and starts the connection supervisor; the merged ordered snapshot
// and the connection state are the sole read surface for UI callers.
type Controller struct {
	opts ControllerOpts

	mu      sync.Mutex
	session *session
	epoch   uint64

	updates chan Snapshot
	states  chan ConnState
}

// session is the live binding between one ticket and its transports.
type session struct {
	ticketID string
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool

	buffer     *Buffer
	reconciler *Reconciler
	normalizer *Normalizer

	feed       *FeedTransport
	poll       *PollTransport
	sock       *SocketTransport
	supervisor *Supervisor

	mu           sync.Mutex
	ticket       *models.Ticket
	lastSyncedAt time.Time
}

// SessionInfo is the UI-facing view of the live session.
type SessionInfo struct {
	TicketID     string       `json:"ticket_id"`
	Joined       []SourceKind `json:"joined"`
	State        ConnState    `json:"state"`
	LastSyncedAt *time.Time   `json:"last_synced_at,omitempty"`
}

// NewController creates a Controller. No session is open until Open.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("realtime: controller: fetcher is required")
	}
	if opts.Socket == nil {
		return nil, fmt.Errorf("realtime: controller: socket is required")
	}
	if opts.Feed == nil {
		return nil, fmt.Errorf("realtime: controller: change feed is required")
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	return &Controller{
		opts:    opts,
		updates: make(chan Snapshot, 1),
		states:  make(chan ConnState, 1),
	}, nil
}

// Open switches the controller to the given conversation. Any prior session
// is torn down first: adapters unsubscribed, timers stopped, buffer and
// reconciler cache dropped, in-flight responses discarded.
func (c *Controller) Open(ctx context.Context, ticketID string) error {
	if ticketID == "" {
		return fmt.Errorf("realtime: open: ticket id is required")
	}

	c.mu.Lock()
	if c.session != nil {
		c.teardownLocked()
	}
	c.epoch++

	sctx, cancel := context.WithCancel(context.Background())
	reconciler := NewReconciler()
	s := &session{
		ticketID:   ticketID,
		epoch:      c.epoch,
		ctx:        sctx,
		cancel:     cancel,
		buffer:     NewBuffer(ticketID),
		reconciler: reconciler,
		normalizer: NewNormalizer(reconciler),
		feed:       NewFeedTransport(c.opts.Feed),
		poll: NewPollTransport(PollOpts{
			Fetcher:    c.opts.Fetcher,
			Interval:   c.opts.PollInterval,
			MinSpacing: c.opts.MinRefreshSpacing,
		}),
		sock: NewSocketTransport(c.opts.Socket),
	}
	c.session = s
	c.mu.Unlock()

	// Ticket metadata drives relay decisions; a lookup failure degrades to
	// "no relay", it does not block the session.
	if c.opts.Tickets != nil {
		ticket, err := c.opts.Tickets.GetTicket(ctx, ticketID)
		if err != nil {
			log.Printf("realtime: ticket lookup %s: %v", ticketID, err)
		} else {
			s.mu.Lock()
			s.ticket = ticket
			s.mu.Unlock()
		}
	}

	// Transport wiring. Every callback re-checks session liveness before
	// touching shared state so a stale response from a closed session can
	// never pollute the next one.
	s.feed.OnRecord(func(rec SourceRecord) { c.ingest(s, SourceSubscription, []SourceRecord{rec}) })
	s.feed.OnUpdate(func(rec SourceRecord) { c.applyDelivery(s, rec.ID, DeliveryState(rec.Delivery)) })
	s.poll.OnBatch(func(recs []SourceRecord) { c.ingest(s, SourcePoll, recs) })
	s.sock.OnRecord(func(rec SourceRecord) { c.ingest(s, SourceSocket, []SourceRecord{rec}) })
	s.sock.OnBatch(func(recs []SourceRecord) { c.ingest(s, SourceSocket, recs) })
	s.sock.OnStatus(func(status WireStatus) { c.applyDelivery(s, status.MessageID, DeliveryState(status.Delivery)) })

	s.supervisor = NewSupervisor(SupervisorOpts{
		Policy: c.opts.Reconnect,
		Connect: func(ctx context.Context) error {
			// Rejoin from scratch: a half-joined feed from a previous
			// attempt is dropped first.
			s.feed.Leave(ticketID)
			if err := s.sock.Join(ctx, ticketID); err != nil {
				return err
			}
			if err := s.feed.Join(ctx, ticketID); err != nil {
				return err
			}
			return nil
		},
		OnConnected: func(ctx context.Context) { c.resync(s, ctx) },
		OnState:     func(state ConnState) { c.publishState(s, state) },
	})
	s.feed.OnDown(s.supervisor.ReportDown)
	s.sock.OnDown(s.supervisor.ReportDown)

	// The polling backstop runs regardless of push-channel health.
	if err := s.poll.Join(s.ctx, ticketID); err != nil {
		return fmt.Errorf("realtime: start poller: %w", err)
	}

	go s.supervisor.Run(s.ctx)
	go c.pumpUpdates(s)
	go c.initialLoad(s)

	return nil
}

// Close tears down the active session. Safe to call when none is open.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// teardownLocked unwinds the current session: cancels its context (which
// stops the poller loop and the supervisor), unsubscribes all adapters, and
// clears the reconciler cache. Callers hold c.mu.
func (c *Controller) teardownLocked() {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	s.closed.Store(true)
	s.cancel()
	s.poll.Leave(s.ticketID)
	s.sock.Leave(s.ticketID)
	s.feed.Leave(s.ticketID)
	s.reconciler.Reset()
}

// Send inserts an optimistic pending message, submits it to the gateway
// socket, and relays public messages on externally-channeled tickets. On
// socket rejection the buffered message transitions to failed and the error
// is returned; the core never retries sends on its own.
func (c *Controller) Send(ctx context.Context, content string, internal bool) (Message, error) {
	s := c.current()
	if s == nil {
		return Message{}, ErrNoSession
	}
	if content == "" {
		return Message{}, fmt.Errorf("realtime: send: content is required")
	}

	visibility := VisibilityPublic
	if internal {
		visibility = VisibilityInternal
	}
	externalID := "local-" + uuid.NewString()
	msg := Message{
		StableID:    s.reconciler.StableID(externalID),
		ExternalID:  externalID,
		TicketID:    s.ticketID,
		Content:     content,
		SenderRole:  RoleAgent,
		SenderLabel: defaultAgentLabel,
		OccurredAt:  time.Now(),
		Visibility:  visibility,
		Delivery:    DeliveryPending,
	}
	s.buffer.Insert(msg)

	// If no confirmation arrives in time the message fails rather than
	// hanging in pending forever. The IfDelivery guard makes the timer a
	// no-op once any transition happened.
	stableID := msg.StableID
	time.AfterFunc(c.opts.PendingTimeout, func() {
		if s.alive() && s.buffer.Update(stableID, Patch{Delivery: DeliveryFailed, IfDelivery: DeliveryPending}) {
			log.Printf("realtime: send %s timed out after %s", externalID, c.opts.PendingTimeout)
		}
	})

	if err := s.sock.Send(ctx, externalID, content, internal); err != nil {
		s.buffer.Update(stableID, Patch{Delivery: DeliveryFailed, IfDelivery: DeliveryPending})
		metrics.SendFailures.Inc()
		msg.Delivery = DeliveryFailed
		return msg, err
	}

	// Internal notes never leave the CRM; everything else is relayed when
	// the ticket is bridged to an external channel.
	if !internal {
		c.relay(s, stableID, content)
	}

	return msg, nil
}

// Refresh triggers one immediate poll fetch, coalesced under the minimum
// request spacing. Returns false when no session is open or the request was
// absorbed by the spacing window.
func (c *Controller) Refresh(ctx context.Context) bool {
	s := c.current()
	if s == nil {
		return false
	}
	return s.poll.Refresh(ctx)
}

// Snapshot returns the active session's ordered message list, or nil.
func (c *Controller) Snapshot() Snapshot {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.buffer.Snapshot()
}

// Updates returns the conflated snapshot stream spanning sessions.
func (c *Controller) Updates() <-chan Snapshot { return c.updates }

// States returns the conflated connection-state stream.
func (c *Controller) States() <-chan ConnState { return c.states }

// State returns the current connection state.
func (c *Controller) State() ConnState {
	s := c.current()
	if s == nil || s.supervisor == nil {
		return StateDisconnected
	}
	return s.supervisor.State()
}

// Info describes the active session, or ok=false when none is open.
func (c *Controller) Info() (SessionInfo, bool) {
	s := c.current()
	if s == nil {
		return SessionInfo{}, false
	}

	info := SessionInfo{
		TicketID: s.ticketID,
		State:    s.supervisor.State(),
	}
	for _, t := range []Transport{s.sock, s.feed, s.poll} {
		if t.Active() {
			info.Joined = append(info.Joined, t.Kind())
		}
	}
	s.mu.Lock()
	if !s.lastSyncedAt.IsZero() {
		at := s.lastSyncedAt
		info.LastSyncedAt = &at
	}
	s.mu.Unlock()
	return info, true
}

// current returns the active session, or nil.
func (c *Controller) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// alive reports whether the session is still the active one.
func (s *session) alive() bool {
	return !s.closed.Load() && s.ctx.Err() == nil
}

// ingest normalizes a batch from one transport and merges it into the
// buffer. Records for other tickets and batches arriving after teardown are
// discarded.
func (c *Controller) ingest(s *session, kind SourceKind, recs []SourceRecord) {
	if !s.alive() {
		return
	}

	msgs, _ := s.normalizer.NormalizeBatch(recs, kind)
	kept := msgs[:0]
	for _, msg := range msgs {
		if msg.TicketID != "" && msg.TicketID != s.ticketID {
			continue
		}
		kept = append(kept, msg)
	}
	if len(kept) == 0 {
		return
	}

	s.buffer.InsertMany(kept)

	// Redelivered records can carry fresher delivery states than what we
	// buffered (e.g. the server echo of an optimistic send).
	for _, msg := range kept {
		c.upgradeDelivery(s, msg.StableID, msg.Delivery)
	}

	s.mu.Lock()
	s.lastSyncedAt = time.Now()
	s.mu.Unlock()
}

// applyDelivery maps a status event onto the buffered message.
func (c *Controller) applyDelivery(s *session, externalID string, state DeliveryState) {
	if !s.alive() || externalID == "" {
		return
	}
	stableID := s.reconciler.StableID(externalID)
	if state == DeliveryFailed {
		s.buffer.Update(stableID, Patch{Delivery: DeliveryFailed})
		return
	}
	c.upgradeDelivery(s, stableID, state)
}

// upgradeDelivery advances a message's delivery state monotonically:
// redelivered historical records never downgrade a confirmation.
func (c *Controller) upgradeDelivery(s *session, stableID int64, state DeliveryState) {
	rank, ok := deliveryRank[state]
	if !ok {
		return
	}
	cur, ok := s.buffer.Get(stableID)
	if !ok {
		return
	}
	curRank, ok := deliveryRank[cur.Delivery]
	if !ok || rank <= curRank {
		return
	}
	s.buffer.Update(stableID, Patch{Delivery: state})
}

// relay forwards content to the ticket's external channel in the
// background. Failures mark the buffered message, never roll it back.
func (c *Controller) relay(s *session, stableID int64, content string) {
	s.mu.Lock()
	ticket := s.ticket
	s.mu.Unlock()

	if ticket == nil || !ticket.ExternallyChanneled() {
		return
	}
	r, ok := c.opts.Relays[ticket.Channel]
	if !ok {
		return
	}

	go func() {
		if err := r.RelayMessage(s.ctx, ticket, content); err != nil {
			metrics.RelayFailures.WithLabelValues(r.Name()).Inc()
			log.Printf("realtime: relay %s ticket %s: %v", r.Name(), ticket.ID, err)
			if s.alive() {
				failed := true
				s.buffer.Update(stableID, Patch{RelayFailed: &failed})
			}
		}
	}()
}

// resync runs a one-shot reconciliation fetch, closing any gap that opened
// while disconnected. Idempotent inserts make re-fetching the full set safe.
func (c *Controller) resync(s *session, ctx context.Context) {
	recs, err := c.opts.Fetcher.FetchMessages(ctx, s.ticketID, 0)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("realtime: reconciliation fetch %s: %v", s.ticketID, err)
		}
		return
	}
	c.ingest(s, SourcePoll, recs)
}

// initialLoad performs the one-time Replace load for a freshly opened
// session. A response landing after teardown is discarded.
func (c *Controller) initialLoad(s *session) {
	recs, err := c.opts.Fetcher.FetchMessages(s.ctx, s.ticketID, 0)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Printf("realtime: initial load %s: %v", s.ticketID, err)
		}
		return
	}
	if !s.alive() {
		return
	}

	msgs, _ := s.normalizer.NormalizeBatch(recs, SourcePoll)
	s.buffer.Replace(msgs)

	s.mu.Lock()
	s.lastSyncedAt = time.Now()
	s.mu.Unlock()
}

// pumpUpdates republishes buffer snapshots on the controller-level stream
// while the session remains current.
func (c *Controller) pumpUpdates(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap := <-s.buffer.Updates():
			if !s.alive() {
				return
			}
			conflate(c.updates, snap)
		}
	}
}

// publishState forwards supervisor transitions for the current session.
func (c *Controller) publishState(s *session, state ConnState) {
	if !s.alive() && state != StateDisconnected {
		return
	}
	conflate(c.states, state)
}

// conflate performs a latest-wins send on a capacity-1 channel.
func conflate[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
