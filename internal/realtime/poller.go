package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Poll transport defaults.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultMinRefreshSpacing = 2 * time.Second
)

// PollTransport is the backstop transport: it re-fetches the conversation's
// message set on a fixed interval and hands the batch to the registered
// callback. Because buffer inserts are idempotent, redelivering records the
// push channels already carried is harmless. The transport keeps running
// regardless of push-channel health.
//
// A rate limiter enforces minimum inter-request spacing: manual Refresh
// calls inside the spacing window are coalesced into the next scheduled
// fetch instead of issuing extra requests.
type PollTransport struct {
	fetcher  Fetcher
	interval time.Duration
	limiter  *rate.Limiter

	mu       sync.Mutex
	ticketID string
	cancel   context.CancelFunc
	active   bool
	onRecord func(SourceRecord)
	onBatch  func([]SourceRecord)
}

// PollOpts holds parameters for creating a PollTransport.
type PollOpts struct {
	Fetcher    Fetcher
	Interval   time.Duration // defaults to DefaultPollInterval
	MinSpacing time.Duration // defaults to DefaultMinRefreshSpacing
}

// NewPollTransport creates a PollTransport.
func NewPollTransport(opts PollOpts) *PollTransport {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	spacing := opts.MinSpacing
	if spacing <= 0 {
		spacing = DefaultMinRefreshSpacing
	}
	return &PollTransport{
		fetcher:  opts.Fetcher,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(spacing), 1),
	}
}

// Kind implements Transport.
func (t *PollTransport) Kind() SourceKind { return SourcePoll }

// OnRecord implements Transport. Poll batches are fanned out one record at
// a time through this callback unless OnBatch is set.
func (t *PollTransport) OnRecord(fn func(SourceRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecord = fn
}

// OnBatch registers the batched delivery callback used for bulk inserts.
// When set it takes precedence over OnRecord.
func (t *PollTransport) OnBatch(fn func([]SourceRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBatch = fn
}

// Join implements Transport: it starts the polling loop for the ticket.
func (t *PollTransport) Join(ctx context.Context, ticketID string) error {
	loopCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.ticketID = ticketID
	t.cancel = cancel
	t.active = true
	t.mu.Unlock()

	go t.loop(loopCtx, ticketID)
	return nil
}

// Leave implements Transport: it stops the polling loop.
func (t *PollTransport) Leave(ticketID string) {
	t.mu.Lock()
	if t.ticketID != ticketID {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.cancel = nil
	t.ticketID = ""
	t.active = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Active implements Transport.
func (t *PollTransport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Refresh triggers an immediate fetch, subject to the minimum spacing.
// Calls inside the spacing window are ignored; the periodic loop covers
// them. Returns true when a fetch was actually issued.
func (t *PollTransport) Refresh(ctx context.Context) bool {
	t.mu.Lock()
	ticketID := t.ticketID
	active := t.active
	t.mu.Unlock()

	if !active || !t.limiter.Allow() {
		return false
	}
	t.fetchOnce(ctx, ticketID)
	return true
}

// loop runs the periodic fetch until the context is cancelled.
func (t *PollTransport) loop(ctx context.Context, ticketID string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.limiter.Allow() {
				continue
			}
			t.fetchOnce(ctx, ticketID)
		}
	}
}

// fetchOnce performs a single full fetch and delivers the batch. Fetch
// failures are logged and absorbed; the next tick retries.
func (t *PollTransport) fetchOnce(ctx context.Context, ticketID string) {
	recs, err := t.fetcher.FetchMessages(ctx, ticketID, 0)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("realtime: poll fetch %s: %v", ticketID, err)
		}
		return
	}

	t.mu.Lock()
	if t.ticketID != ticketID {
		// Left (or rejoined elsewhere) while the fetch was in flight.
		t.mu.Unlock()
		return
	}
	onBatch, onRecord := t.onBatch, t.onRecord
	t.mu.Unlock()

	if onBatch != nil {
		onBatch(recs)
		return
	}
	if onRecord != nil {
		for _, rec := range recs {
			onRecord(rec)
		}
	}
}
