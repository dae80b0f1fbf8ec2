// Package store is the persistence layer for ticket conversations: message
// fetch and append over GORM, plus a database-backed change feed.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/luckbys/bkcrm-sub006/internal/models"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
	"gorm.io/gorm"
)

// Store reads and writes ticket messages. It implements the realtime
// Fetcher and TicketSource collaborators.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an open database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FetchMessages returns the messages of a ticket with Seq greater than
// since, oldest first. since=0 fetches the full conversation.
func (s *Store) FetchMessages(ctx context.Context, ticketID string, since int64) ([]realtime.SourceRecord, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("store: ticketID is required")
	}

	var msgs []models.TicketMessage
	q := s.db.WithContext(ctx).
		Preload("Attachments").
		Where("ticket_id = ?", ticketID)
	if since > 0 {
		q = q.Where("seq > ?", since)
	}
	if err := q.Order("created_at ASC, seq ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: fetch messages %s: %w", ticketID, err)
	}

	recs := make([]realtime.SourceRecord, len(msgs))
	for i, m := range msgs {
		recs[i] = toSourceRecord(m)
	}
	return recs, nil
}

// GetTicket returns a ticket with its customer and department loaded.
func (s *Store) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	if id == "" {
		return nil, fmt.Errorf("store: ticket id is required")
	}

	var ticket models.Ticket
	err := s.db.WithContext(ctx).
		Preload("Customer").
		Preload("Department").
		Where("id = ?", id).
		First(&ticket).Error
	if err != nil {
		return nil, fmt.Errorf("store: get ticket %s: %w", id, err)
	}
	return &ticket, nil
}

// AppendMessage persists a new message. The unique index on the external id
// makes re-appending the same message an error; callers that may race with
// other writers should treat a duplicate-key failure as already-stored.
func (s *Store) AppendMessage(ctx context.Context, msg *models.TicketMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("store: message id is required")
	}
	if msg.TicketID == "" {
		return fmt.Errorf("store: message ticket id is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Delivery == "" {
		msg.Delivery = "sent"
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("store: append message %s: %w", msg.ID, err)
	}
	return nil
}

// MarkDelivery updates the delivery state of a stored message by external id.
func (s *Store) MarkDelivery(ctx context.Context, externalID, delivery string) error {
	result := s.db.WithContext(ctx).Model(&models.TicketMessage{}).
		Where("id = ?", externalID).
		Update("delivery", delivery)
	if result.Error != nil {
		return fmt.Errorf("store: mark delivery %s: %w", externalID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: message not found: %s", externalID)
	}
	return nil
}

// maxSeq returns the highest message Seq for a ticket, 0 when empty.
func (s *Store) maxSeq(ctx context.Context, ticketID string) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Model(&models.TicketMessage{}).
		Where("ticket_id = ?", ticketID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("store: max seq %s: %w", ticketID, err)
	}
	return seq, nil
}

// toSourceRecord converts a persisted message into the transport-neutral
// record shape.
func toSourceRecord(m models.TicketMessage) realtime.SourceRecord {
	rec := realtime.SourceRecord{
		ID:          m.ID,
		TicketID:    m.TicketID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Role:        m.Role,
		Internal:    m.Internal,
		FromChannel: m.FromChannel,
		Delivery:    m.Delivery,
		CreatedAt:   m.CreatedAt,
	}
	for _, a := range m.Attachments {
		rec.Attachments = append(rec.Attachments, realtime.Attachment{
			ID:        a.ID,
			Name:      a.Name,
			URL:       a.URL,
			MimeKind:  a.MimeKind,
			SizeBytes: a.SizeBytes,
		})
	}
	return rec
}
