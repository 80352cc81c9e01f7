package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Receipt struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	PaymentID   string    `gorm:"size:36;not null;uniqueIndex" json:"payment_id"`
	Number      string          `gorm:"size:40;not null;uniqueIndex" json:"number"`
	Amount      decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	DocumentURL string    `gorm:"size:512" json:"document_url"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Receipt) TableName() string {
	return "payment_receipts"
}

func (r *Receipt) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = newID()
	}
	return nil
}
