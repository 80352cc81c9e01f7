package models

import (
	"time"

	"gorm.io/gorm"
)

// GatewaySetting holds mobile-money credentials for one scope. Lookups fall
// back property -> organization -> global.
type GatewaySetting struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	Scope            string         `gorm:"size:20;not null;uniqueIndex:idx_gateway_scope" json:"scope"`
	ScopeID          string         `gorm:"size:36;not null;default:'';uniqueIndex:idx_gateway_scope" json:"scope_id"`
	Environment      string         `gorm:"size:20;not null;default:'sandbox'" json:"environment"`
	ConsumerKey      string         `gorm:"size:255" json:"-"`
	ConsumerSecret   string         `gorm:"size:255" json:"-"`
	Passkey          string         `gorm:"size:255" json:"-"`
	Shortcode        string         `gorm:"size:20" json:"shortcode"`
	AccountReference string         `gorm:"size:20" json:"account_reference"`
	WebhookSecret    string         `gorm:"size:128" json:"-"`
	Active           bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (GatewaySetting) TableName() string { return "gateway_settings" }

func (s *GatewaySetting) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = newID()
	}
	return nil
}
