package repository

import (
	"context"

	"propdesk/internal/models"

	"gorm.io/gorm"
)

type PaymentMethodRepository struct {
	db *gorm.DB
}

func NewPaymentMethodRepository(db *gorm.DB) *PaymentMethodRepository {
	return &PaymentMethodRepository{db: db}
}

func (r *PaymentMethodRepository) Create(ctx context.Context, m *models.PaymentMethod) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// GetForTenant returns the instrument only if it belongs to tenantID.
func (r *PaymentMethodRepository) GetForTenant(ctx context.Context, id, tenantID string) (*models.PaymentMethod, error) {
	var m models.PaymentMethod
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&m).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}
