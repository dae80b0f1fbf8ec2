package models

import "time"

// Ticket is a single customer-support conversation thread.
type Ticket struct {
	ID           string `gorm:"primaryKey;size:36"`
	Subject      string `gorm:"size:256"`
	Status       string `gorm:"size:16;default:open;index"`
	CustomerID   string `gorm:"size:36;index"`
	DepartmentID string `gorm:"size:36;index"`

	// Channel is the external messaging surface this ticket is bridged to
	// ("whatsapp", "slack", "discord"). Empty for web-only tickets.
	Channel string `gorm:"size:16"`

	// ContactID is the channel-specific address of the customer
	// (phone JID for WhatsApp, channel ID for Slack/Discord).
	ContactID string `gorm:"size:128"`

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time

	Customer   *Customer   `gorm:"foreignKey:CustomerID"`
	Department *Department `gorm:"foreignKey:DepartmentID"`
}

// ExternallyChanneled reports whether public replies on this ticket must be
// relayed to an external messaging channel.
func (t *Ticket) ExternallyChanneled() bool {
	return t.Channel != "" && t.ContactID != ""
}
