package models

import (
	"time"

	"gorm.io/gorm"
)

// PaymentMethod is a tenant's saved instrument. For mobile money the payer
// reference is the MSISDN that receives the push prompt.
type PaymentMethod struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	TenantID       string         `gorm:"size:36;not null;index" json:"tenant_id"`
	Kind           string         `gorm:"size:20;not null" json:"kind"`
	PayerReference string         `gorm:"size:64;not null" json:"payer_reference"`
	Label          string         `gorm:"size:100" json:"label"`
	Active         bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (PaymentMethod) TableName() string {
	return "payment_methods"
}

func (m *PaymentMethod) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = newID()
	}
	return nil
}
