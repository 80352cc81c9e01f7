package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProviderTransaction is one push request sent to the gateway on behalf of a
// Payment. CheckoutRequestID is assigned by the provider and is the only key a
// callback is matched on; it stays NULL until the gateway acknowledges the push.
type ProviderTransaction struct {
	ID                        string              `gorm:"primaryKey;size:36" json:"id"`
	PaymentID                 string              `gorm:"size:36;not null;index" json:"payment_id"`
	Provider                  string              `gorm:"size:30;not null" json:"provider"`
	SettingsScope             string              `gorm:"size:64;not null" json:"settings_scope"`
	MerchantRequestID         string              `gorm:"size:64;not null;uniqueIndex" json:"merchant_request_id"`
	CheckoutRequestID         *string             `gorm:"size:128;uniqueIndex" json:"checkout_request_id"`
	ProviderMerchantRequestID string              `gorm:"size:128" json:"provider_merchant_request_id,omitempty"`
	Status                    string              `gorm:"size:20;not null;index" json:"status"` // initiated, pending, success, failed
	PayerReference            string              `gorm:"size:64" json:"payer_reference"`
	AccountReference          string              `gorm:"size:64" json:"account_reference"`
	ProviderMessage           string              `gorm:"size:255" json:"provider_message,omitempty"`
	ResultCode                *int                `json:"result_code"`
	ResultDesc                string              `gorm:"size:255" json:"result_desc,omitempty"`
	ConfirmedAmount           decimal.NullDecimal `gorm:"type:decimal(14,2)" json:"confirmed_amount"`
	ReceiptNumber             string              `gorm:"size:64" json:"receipt_number,omitempty"`
	ProviderPaidAt            *time.Time          `json:"provider_paid_at"`
	NeedsReview               bool                `gorm:"not null;default:false;index" json:"needs_review"`
	ReviewReason              string              `gorm:"size:255" json:"review_reason,omitempty"`
	RawCallback               datatypes.JSON      `json:"raw_callback,omitempty"`
	LastPolledAt              *time.Time          `json:"last_polled_at"`
	CompletedAt               *time.Time          `json:"completed_at"`
	CreatedAt                 time.Time           `json:"created_at"`
	UpdatedAt                 time.Time           `json:"updated_at"`

	Payment Payment `gorm:"foreignKey:PaymentID" json:"-"`
}

func (ProviderTransaction) TableName() string {
	return "payment_provider_transactions"
}

func (t *ProviderTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}
