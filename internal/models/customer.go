package models

import "time"

// Customer is the person on the other side of a ticket.
type Customer struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:128;not null"`
	Email     string `gorm:"size:128;index"`
	Phone     string `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Department groups agents and tickets by area of responsibility.
type Department struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:128;uniqueIndex;not null"`
	CreatedAt time.Time
}
