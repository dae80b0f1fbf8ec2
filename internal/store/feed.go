package store

import (
	"context"
	"sync"
	"time"

	"github.com/luckbys/bkcrm-sub006/internal/models"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
)

// DefaultFeedInterval is how often the change feed checks for new rows.
const DefaultFeedInterval = time.Second

// Feed is a database-backed change feed: each subscription tracks the
// ticket's message Seq cursor and emits inserts for rows past it and updates
// for rows whose updated_at moved while already seen. Query failures end the
// subscription through the handler's OnError; the subscriber decides whether
// to resubscribe.
//
// It implements the realtime.ChangeFeed collaborator.
type Feed struct {
	store    *Store
	interval time.Duration
}

// NewFeed creates a Feed over the store. interval <= 0 uses
// DefaultFeedInterval.
func NewFeed(store *Store, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = DefaultFeedInterval
	}
	return &Feed{store: store, interval: interval}
}

// Subscribe starts watching a ticket's messages. Events already stored at
// subscription time are not replayed; the initial load covers those.
func (f *Feed) Subscribe(ctx context.Context, ticketID string, h realtime.FeedHandler) (realtime.FeedSubscription, error) {
	lastSeq, err := f.store.maxSeq(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &feedSub{cancel: cancel}
	go f.watch(subCtx, ticketID, lastSeq, h, sub)
	return sub, nil
}

// feedSub is one live subscription.
type feedSub struct {
	once   sync.Once
	cancel context.CancelFunc
}

// Unsubscribe implements realtime.FeedSubscription.
func (s *feedSub) Unsubscribe() {
	s.once.Do(s.cancel)
}

// watch polls for changes until cancelled or a query fails.
func (f *Feed) watch(ctx context.Context, ticketID string, lastSeq int64, h realtime.FeedHandler, sub *feedSub) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	lastCheck := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()

		// New rows past the cursor.
		var inserted []models.TicketMessage
		err := f.store.db.WithContext(ctx).
			Preload("Attachments").
			Where("ticket_id = ? AND seq > ?", ticketID, lastSeq).
			Order("seq ASC").
			Find(&inserted).Error
		if err != nil {
			f.fail(ctx, sub, h, err)
			return
		}

		// Already-seen rows whose delivery state (or anything else) moved.
		var updated []models.TicketMessage
		err = f.store.db.WithContext(ctx).
			Where("ticket_id = ? AND seq <= ? AND updated_at > ?", ticketID, lastSeq, lastCheck).
			Order("seq ASC").
			Find(&updated).Error
		if err != nil {
			f.fail(ctx, sub, h, err)
			return
		}

		for _, m := range inserted {
			lastSeq = int64(m.Seq)
			if h.OnInsert != nil {
				h.OnInsert(toSourceRecord(m))
			}
		}
		for _, m := range updated {
			if h.OnUpdate != nil {
				h.OnUpdate(toSourceRecord(m))
			}
		}
		lastCheck = now
	}
}

// fail ends the subscription and reports the cause, unless it was a plain
// cancellation.
func (f *Feed) fail(ctx context.Context, sub *feedSub, h realtime.FeedHandler, err error) {
	if ctx.Err() != nil {
		return
	}
	sub.Unsubscribe()
	if h.OnError != nil {
		h.OnError(err)
	}
}
