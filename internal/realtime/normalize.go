package realtime

import (
	"errors"
	"log"
	"time"

	"github.com/luckbys/bkcrm-sub006/internal/metrics"
)

// Normalization rejection reasons. Callers skip rejected records and count
// them; rejections are never propagated past the batch boundary.
var (
	ErrMissingID      = errors.New("realtime: record has no external id")
	ErrMissingContent = errors.New("realtime: record has no content")
)

// Default display names applied when the source record carries none.
const (
	defaultClientLabel = "Customer"
	defaultAgentLabel  = "Agent"
	defaultSystemLabel = "System"
)

// Normalizer converts heterogeneous raw records into canonical messages,
// resolving stable ids through a session-scoped Reconciler.
type Normalizer struct {
	reconciler *Reconciler
}

// NewNormalizer creates a Normalizer bound to the given Reconciler.
func NewNormalizer(r *Reconciler) *Normalizer {
	return &Normalizer{reconciler: r}
}

// Normalize converts one raw record into a canonical Message. Records with
// no id, or with neither content nor attachments, are malformed and
// rejected.
func (n *Normalizer) Normalize(rec SourceRecord, kind SourceKind) (*Message, error) {
	if rec.ID == "" {
		return nil, ErrMissingID
	}
	if rec.Content == "" && len(rec.Attachments) == 0 {
		return nil, ErrMissingContent
	}

	role := deriveRole(rec)
	occurred := rec.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	msg := &Message{
		StableID:    n.reconciler.StableID(rec.ID),
		ExternalID:  rec.ID,
		TicketID:    rec.TicketID,
		Content:     rec.Content,
		SenderRole:  role,
		SenderLabel: senderLabel(rec, role),
		OccurredAt:  occurred,
		Visibility:  VisibilityPublic,
		Attachments: rec.Attachments,
		Delivery:    deriveDelivery(rec),
	}
	if rec.Internal {
		msg.Visibility = VisibilityInternal
	}

	metrics.RecordsNormalized.WithLabelValues(string(kind)).Inc()
	return msg, nil
}

// NormalizeBatch converts a batch of raw records, skipping malformed ones.
// The skip count is logged and counted per batch; records are never dropped
// without the counter moving.
func (n *Normalizer) NormalizeBatch(recs []SourceRecord, kind SourceKind) (msgs []Message, skipped int) {
	msgs = make([]Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := n.Normalize(rec, kind)
		if err != nil {
			skipped++
			continue
		}
		msgs = append(msgs, *msg)
	}
	if skipped > 0 {
		metrics.RecordsSkipped.WithLabelValues(string(kind)).Add(float64(skipped))
		log.Printf("realtime: skipped %d malformed record(s) from %s batch of %d", skipped, kind, len(recs))
	}
	return msgs, skipped
}

// deriveRole resolves the sender role with the precedence: explicit role
// field, then internal-sender reference (agent), then external-channel
// marker (client), then client.
func deriveRole(rec SourceRecord) SenderRole {
	switch SenderRole(rec.Role) {
	case RoleClient, RoleAgent, RoleSystem:
		return SenderRole(rec.Role)
	}
	if rec.SenderID != "" {
		return RoleAgent
	}
	if rec.FromChannel {
		return RoleClient
	}
	return RoleClient
}

// senderLabel picks the display name, defaulting per role when absent.
func senderLabel(rec SourceRecord, role SenderRole) string {
	if rec.SenderName != "" {
		return rec.SenderName
	}
	switch role {
	case RoleAgent:
		return defaultAgentLabel
	case RoleSystem:
		return defaultSystemLabel
	default:
		return defaultClientLabel
	}
}

// deriveDelivery maps the raw delivery field onto a DeliveryState,
// defaulting to sent for historical records.
func deriveDelivery(rec SourceRecord) DeliveryState {
	switch DeliveryState(rec.Delivery) {
	case DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed:
		return DeliveryState(rec.Delivery)
	}
	return DeliverySent
}
