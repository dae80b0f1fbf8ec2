package realtime

import "context"

// Transport is the common contract for the three message delivery
// mechanisms. A transport joined to a conversation forwards raw records to
// the callback registered with OnRecord; it never touches the merge buffer
// directly and never manages its own reconnection (the supervisor does).
type Transport interface {
	// Kind identifies the transport for normalization and metrics.
	Kind() SourceKind

	// Join binds the transport to a conversation and starts delivery.
	Join(ctx context.Context, ticketID string) error

	// Leave unbinds the conversation. It must only tear down
	// conversation-scoped state, never shared connections.
	Leave(ticketID string)

	// OnRecord registers the callback invoked for each delivered record.
	// Must be called before Join.
	OnRecord(fn func(SourceRecord))

	// Active reports whether the transport is currently delivering.
	Active() bool
}

// FeedHandler receives change-feed events for one subscription.
type FeedHandler struct {
	OnInsert func(SourceRecord)
	OnUpdate func(SourceRecord)
	OnError  func(error)
}

// ChangeFeed is the server-side change-feed collaborator consumed by the
// push-subscription transport.
type ChangeFeed interface {
	Subscribe(ctx context.Context, ticketID string, h FeedHandler) (FeedSubscription, error)
}

// FeedSubscription is a live change-feed subscription.
type FeedSubscription interface {
	Unsubscribe()
}

// Fetcher is the query collaborator used by the polling transport, the
// initial load, and reconnect reconciliation passes.
type Fetcher interface {
	// FetchMessages returns the raw records for a ticket created after
	// since. A zero since fetches the full set.
	FetchMessages(ctx context.Context, ticketID string, since int64) ([]SourceRecord, error)
}
