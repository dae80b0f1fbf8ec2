package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// FeedTransport is the push-subscription adapter: it opens a change-feed
// subscription filtered to the joined conversation and forwards events to
// the record callback. Feed errors surface as Active()==false; recovery is
// the supervisor's job, not this adapter's.
type FeedTransport struct {
	feed ChangeFeed

	mu       sync.Mutex
	ticketID string
	sub      FeedSubscription
	active   bool
	onRecord func(SourceRecord)
	onUpdate func(SourceRecord)
	onDown   func(error)
}

// NewFeedTransport creates a FeedTransport over the given change feed.
func NewFeedTransport(feed ChangeFeed) *FeedTransport {
	return &FeedTransport{feed: feed}
}

// Kind implements Transport.
func (t *FeedTransport) Kind() SourceKind { return SourceSubscription }

// OnRecord implements Transport.
func (t *FeedTransport) OnRecord(fn func(SourceRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecord = fn
}

// OnUpdate registers the callback for feed update events (delivery-state
// changes to already-delivered records).
func (t *FeedTransport) OnUpdate(fn func(SourceRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = fn
}

// OnDown registers the supervisor's failure callback.
func (t *FeedTransport) OnDown(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDown = fn
}

// Join implements Transport: it subscribes the change feed to the ticket.
func (t *FeedTransport) Join(ctx context.Context, ticketID string) error {
	t.mu.Lock()
	if t.sub != nil {
		t.mu.Unlock()
		return fmt.Errorf("realtime: feed transport already joined to %s", t.ticketID)
	}
	t.ticketID = ticketID
	t.mu.Unlock()

	sub, err := t.feed.Subscribe(ctx, ticketID, FeedHandler{
		OnInsert: func(rec SourceRecord) { t.deliver(ticketID, rec, false) },
		OnUpdate: func(rec SourceRecord) { t.deliver(ticketID, rec, true) },
		OnError:  func(err error) { t.fail(err) },
	})
	if err != nil {
		t.mu.Lock()
		t.ticketID = ""
		t.mu.Unlock()
		return fmt.Errorf("realtime: feed subscribe %s: %w", ticketID, err)
	}

	t.mu.Lock()
	t.sub = sub
	t.active = true
	t.mu.Unlock()
	return nil
}

// Leave implements Transport: it drops the subscription for the ticket.
func (t *FeedTransport) Leave(ticketID string) {
	t.mu.Lock()
	if t.ticketID != ticketID {
		t.mu.Unlock()
		return
	}
	sub := t.sub
	t.sub = nil
	t.ticketID = ""
	t.active = false
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Active implements Transport.
func (t *FeedTransport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// deliver forwards one feed event if the subscription is still bound to the
// same ticket.
func (t *FeedTransport) deliver(ticketID string, rec SourceRecord, update bool) {
	t.mu.Lock()
	if t.ticketID != ticketID {
		t.mu.Unlock()
		return
	}
	onRecord, onUpdate := t.onRecord, t.onUpdate
	t.mu.Unlock()

	if update {
		if onUpdate != nil {
			onUpdate(rec)
		}
		return
	}
	if onRecord != nil {
		onRecord(rec)
	}
}

// fail marks the feed inactive and informs the supervisor. The session
// survives; the polling backstop keeps running.
func (t *FeedTransport) fail(err error) {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	sub := t.sub
	t.sub = nil
	onDown := t.onDown
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	log.Printf("realtime: change feed error: %v", err)
	if onDown != nil {
		onDown(err)
	}
}
