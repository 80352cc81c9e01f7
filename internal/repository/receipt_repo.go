package repository

import (
	"context"

	"propdesk/internal/models"

	"gorm.io/gorm"
)

type ReceiptRepository struct {
	db *gorm.DB
}

func NewReceiptRepository(db *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

func (r *ReceiptRepository) Create(ctx context.Context, rc *models.Receipt) error {
	return r.db.WithContext(ctx).Create(rc).Error
}

func (r *ReceiptRepository) GetByPaymentID(ctx context.Context, paymentID string) (*models.Receipt, error) {
	var rc models.Receipt
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&rc).Error; err != nil {
		return nil, notFound(err)
	}
	return &rc, nil
}

func (r *ReceiptRepository) SetDocumentURL(ctx context.Context, id, url string) error {
	return r.db.WithContext(ctx).Model(&models.Receipt{}).Where("id = ?", id).Update("document_url", url).Error
}
