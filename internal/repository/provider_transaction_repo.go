package repository

import (
	"context"
	"time"

	"propdesk/internal/domain"
	"propdesk/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProviderTransactionRepository struct {
	db *gorm.DB
}

func NewProviderTransactionRepository(db *gorm.DB) *ProviderTransactionRepository {
	return &ProviderTransactionRepository{db: db}
}

func (r *ProviderTransactionRepository) WithTx(tx *gorm.DB) *ProviderTransactionRepository {
	return &ProviderTransactionRepository{db: tx}
}

// Create inserts t unless its payment already has a transaction that is not
// yet success/failed.
func (r *ProviderTransactionRepository) Create(ctx context.Context, t *models.ProviderTransaction) error {
	var open int64
	err := r.db.WithContext(ctx).Model(&models.ProviderTransaction{}).
		Where("payment_id = ? AND status IN ?", t.PaymentID, []string{domain.TxnStatusInitiated, domain.TxnStatusPending}).
		Count(&open).Error
	if err != nil {
		return err
	}
	if open > 0 {
		return ErrOpenTransactionExists
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *ProviderTransactionRepository) GetByID(ctx context.Context, id string) (*models.ProviderTransaction, error) {
	var t models.ProviderTransaction
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *ProviderTransactionRepository) GetByPaymentID(ctx context.Context, paymentID string) (*models.ProviderTransaction, error) {
	var t models.ProviderTransaction
	err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("created_at DESC").First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// LockByCheckoutID finds the transaction a callback refers to and holds an
// exclusive row lock on it for the rest of the unit of work.
func (r *ProviderTransactionRepository) LockByCheckoutID(ctx context.Context, checkoutID string) (*models.ProviderTransaction, error) {
	var t models.ProviderTransaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("checkout_request_id = ?", checkoutID).
		First(&t).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *ProviderTransactionRepository) LockByID(ctx context.Context, id string) (*models.ProviderTransaction, error) {
	var t models.ProviderTransaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&t, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// MarkPending records the gateway acknowledgement of an initiated push.
func (r *ProviderTransactionRepository) MarkPending(ctx context.Context, id, checkoutID, providerMerchantID, message string) error {
	return r.Transition(ctx, id, domain.TxnStatusInitiated, map[string]interface{}{
		"status":                       domain.TxnStatusPending,
		"checkout_request_id":          checkoutID,
		"provider_merchant_request_id": providerMerchantID,
		"provider_message":             truncate(message, 255),
		"updated_at":                   time.Now(),
	})
}

// AttachCheckoutID stores the gateway's ids on a transaction whatever its
// status and flags it for review. It is the fallback when MarkPending could not
// be written, so a later callback can still be matched.
func (r *ProviderTransactionRepository) AttachCheckoutID(ctx context.Context, id, checkoutID, providerMerchantID, reason string) error {
	return r.db.WithContext(ctx).Model(&models.ProviderTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"checkout_request_id":          checkoutID,
			"provider_merchant_request_id": providerMerchantID,
			"needs_review":                 true,
			"review_reason":                truncate(reason, 255),
			"updated_at":                   time.Now(),
		}).Error
}

// Transition applies updates only if the row is still in status from.
func (r *ProviderTransactionRepository) Transition(ctx context.Context, id, from string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.ProviderTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// ListStale returns transactions in status that were created before cutoff, oldest first.
func (r *ProviderTransactionRepository) ListStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]models.ProviderTransaction, error) {
	var list []models.ProviderTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", status, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *ProviderTransactionRepository) TouchPolled(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.ProviderTransaction{}).
		Where("id = ?", id).
		Update("last_polled_at", at).Error
}

func (r *ProviderTransactionRepository) ListNeedsReview(ctx context.Context, limit int) ([]models.ProviderTransaction, error) {
	var list []models.ProviderTransaction
	err := r.db.WithContext(ctx).
		Where("needs_review = ?", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
