// Package realtime implements live message synchronization for ticket
// conversations: it merges records arriving through a change feed, a polling
// backstop, and the gateway socket into one deduplicated, chronologically
// ordered view, and supervises the connection lifecycle for the push
// transports.
package realtime

import "time"

// SourceKind identifies which transport delivered a raw record.
type SourceKind string

const (
	SourceSubscription SourceKind = "subscription"
	SourcePoll         SourceKind = "poll"
	SourceSocket       SourceKind = "socket"
)

// SenderRole classifies who authored a message.
type SenderRole string

const (
	RoleClient SenderRole = "client"
	RoleAgent  SenderRole = "agent"
	RoleSystem SenderRole = "system"
)

// Visibility controls whether a message may leave the CRM.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

// DeliveryState tracks how far an outbound message has progressed.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// deliveryRank orders delivery states so redelivered historical records can
// never downgrade a confirmation that already arrived. Failed is terminal
// and handled separately.
var deliveryRank = map[DeliveryState]int{
	DeliveryPending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

// Attachment is a file carried by a message.
type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	MimeKind  string `json:"mime_kind"`
	SizeBytes int64  `json:"size_bytes"`
}

// Message is the canonical message shape held in the merge buffer. All three
// transports normalize into this type; StableID is the deduplication key and
// the UI list key.
type Message struct {
	StableID    int64         `json:"stable_id"`
	ExternalID  string        `json:"external_id"`
	TicketID    string        `json:"ticket_id"`
	Content     string        `json:"content"`
	SenderRole  SenderRole    `json:"sender_role"`
	SenderLabel string        `json:"sender_label"`
	OccurredAt  time.Time     `json:"occurred_at"`
	Visibility  Visibility    `json:"visibility"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Delivery    DeliveryState `json:"delivery"`

	// RelayFailed is set when the message was buffered and sent but the
	// outbound relay to the external channel failed. The message itself is
	// never rolled back.
	RelayFailed bool `json:"relay_failed,omitempty"`
}

// SourceRecord is a raw message record as delivered by a transport, before
// normalization. Each transport adapter translates its own wire shape into
// this struct, so schema drift stays out of the merge logic.
type SourceRecord struct {
	ID          string
	TicketID    string
	Content     string
	SenderID    string // internal agent reference; empty for customer messages
	SenderName  string
	Role        string // explicit role when the source provides one
	Internal    bool
	FromChannel bool // arrived via the external messaging channel
	Delivery    string
	CreatedAt   time.Time
	Attachments []Attachment
}

// Snapshot is an immutable copy of the buffer contents, ordered by
// OccurredAt with ties broken by arrival order.
type Snapshot []Message
