package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntry records one change to a tenant balance. The (payment_id, kind)
// pair is unique so a payment can only ever move the ledger once.
type LedgerEntry struct {
	ID           string          `gorm:"primaryKey;size:36" json:"id"`
	TenantID     string          `gorm:"size:36;not null;index" json:"tenant_id"`
	PaymentID    string          `gorm:"size:36;not null;uniqueIndex:idx_ledger_payment_kind" json:"payment_id"`
	Kind         string          `gorm:"size:30;not null;uniqueIndex:idx_ledger_payment_kind" json:"kind"`
	Amount       decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"` // signed; payments are negative
	BalanceAfter decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "tenant_ledger_entries"
}

func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	return nil
}
