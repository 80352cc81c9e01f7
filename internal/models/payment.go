package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Payment struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	TenantID      string          `gorm:"size:36;not null;index" json:"tenant_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Currency      string          `gorm:"size:3;default:'KES'" json:"currency"`
	Method        string          `gorm:"size:20;not null" json:"method"`            // mobile_money, card, bank, cash
	Type          string          `gorm:"size:20;not null" json:"type"`              // rent, deposit, fee, other
	Status        string          `gorm:"size:20;not null;index" json:"status"`      // pending, completed, failed, refunded
	Description   string          `gorm:"size:255" json:"description"`
	FailureReason string          `gorm:"size:255" json:"failure_reason,omitempty"`
	InitiatedBy   string          `gorm:"size:36" json:"initiated_by,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	Tenant Tenant `gorm:"foreignKey:TenantID" json:"-"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = newID()
	}
	return nil
}
