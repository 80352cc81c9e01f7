package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CallbackEvent is the durable record of every authenticated webhook delivery,
// written before the payload is processed so it can be replayed.
type CallbackEvent struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	Provider          string         `gorm:"size:30;not null" json:"provider"`
	Scope             string         `gorm:"size:64;not null" json:"scope"`
	CheckoutRequestID string         `gorm:"size:128;index" json:"checkout_request_id"`
	Payload           datatypes.JSON `json:"payload"`
	Status            string         `gorm:"size:20;not null;index" json:"status"`
	Error             string         `gorm:"type:text" json:"error,omitempty"`
	RemoteAddr        string         `gorm:"size:64" json:"remote_addr"`
	ReplayAttempts    int            `gorm:"not null;default:0" json:"replay_attempts"`
	ProcessedAt       *time.Time     `json:"processed_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (CallbackEvent) TableName() string {
	return "payment_callback_events"
}

func (e *CallbackEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	return nil
}
