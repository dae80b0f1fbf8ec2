package models

import "time"

// TicketMessage is one message within a ticket conversation as persisted in
// the database. Seq is an internal monotonic cursor used by the change feed;
// ID is the externally-issued identifier the rest of the system keys on.
type TicketMessage struct {
	Seq      uint   `gorm:"primaryKey;autoIncrement"`
	ID       string `gorm:"size:64;uniqueIndex;not null"`
	TicketID string `gorm:"size:36;not null;index"`

	Content string `gorm:"type:text"`

	// SenderID references an internal agent account. Empty for messages
	// originated by the customer.
	SenderID   string `gorm:"size:36"`
	SenderName string `gorm:"size:128"`

	// Role is the explicit sender role when the source system provides one
	// ("client", "agent", "system"). Empty when it must be derived.
	Role string `gorm:"size:16"`

	// Internal marks agent-only notes that are never relayed to the
	// customer's channel.
	Internal bool `gorm:"default:false"`

	// FromChannel marks messages that arrived via the external messaging
	// channel rather than the web UI.
	FromChannel bool `gorm:"default:false"`

	Delivery  string    `gorm:"size:16;default:sent"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time `gorm:"index"`

	Attachments []MessageAttachment `gorm:"foreignKey:MessageID;references:ID"`
}

// MessageAttachment is a file attached to a ticket message.
type MessageAttachment struct {
	ID        string `gorm:"primaryKey;size:64"`
	MessageID string `gorm:"size:64;index;not null"`
	Name      string `gorm:"size:256"`
	URL       string `gorm:"size:1024"`
	MimeKind  string `gorm:"size:64"`
	SizeBytes int64
}
