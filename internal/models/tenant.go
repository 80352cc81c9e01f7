package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Tenant owns the ledger balance that reconciliation decrements. Balance is
// the amount owed: positive means arrears, negative means credit.
type Tenant struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	PropertyID string          `gorm:"size:36;not null;index" json:"property_id"`
	UserID     string          `gorm:"size:36;index" json:"user_id"` // linked account for notifications
	Name       string          `gorm:"size:255;not null" json:"name"`
	Status     string          `gorm:"size:20;not null;default:'active'" json:"status"`
	Balance    decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"balance"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	DeletedAt  gorm.DeletedAt  `gorm:"index" json:"-"`

	Property Property `gorm:"foreignKey:PropertyID" json:"-"`
}

func (Tenant) TableName() string {
	return "tenants"
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}
