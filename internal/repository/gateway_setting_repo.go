package repository

import (
	"context"

	"propdesk/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GatewaySettingRepository struct {
	db *gorm.DB
}

func NewGatewaySettingRepository(db *gorm.DB) *GatewaySettingRepository {
	return &GatewaySettingRepository{db: db}
}

func (r *GatewaySettingRepository) Create(ctx context.Context, s *models.GatewaySetting) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// FindActive returns the active settings row for scope/scopeID.
func (r *GatewaySettingRepository) FindActive(ctx context.Context, scope, scopeID string) (*models.GatewaySetting, error) {
	var s models.GatewaySetting
	err := r.db.WithContext(ctx).
		Where("scope = ? AND scope_id = ? AND active = ?", scope, scopeID, true).
		First(&s).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// FindByScope returns the settings row for scope/scopeID whether or not it is active.
func (r *GatewaySettingRepository) FindByScope(ctx context.Context, scope, scopeID string) (*models.GatewaySetting, error) {
	var s models.GatewaySetting
	err := r.db.WithContext(ctx).Where("scope = ? AND scope_id = ?", scope, scopeID).First(&s).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *GatewaySettingRepository) GetByID(ctx context.Context, id string) (*models.GatewaySetting, error) {
	var s models.GatewaySetting
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// Upsert creates or replaces the settings row of s.Scope/s.ScopeID and returns
// the stored row.
func (r *GatewaySettingRepository) Upsert(ctx context.Context, s *models.GatewaySetting) (*models.GatewaySetting, error) {
	// Select all columns so an explicit active=false is not replaced by the column default.
	err := r.db.WithContext(ctx).Select("*").Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "scope"}, {Name: "scope_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"environment", "consumer_key", "consumer_secret", "passkey", "shortcode",
			"account_reference", "webhook_secret", "active", "updated_at",
		}),
	}).Create(s).Error
	if err != nil {
		return nil, err
	}
	var stored models.GatewaySetting
	err = r.db.WithContext(ctx).Where("scope = ? AND scope_id = ?", s.Scope, s.ScopeID).First(&stored).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &stored, nil
}
