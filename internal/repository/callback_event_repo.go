package repository

import (
	"context"
	"time"

	"propdesk/internal/models"

	"gorm.io/gorm"
)

type CallbackEventRepository struct {
	db *gorm.DB
}

func NewCallbackEventRepository(db *gorm.DB) *CallbackEventRepository {
	return &CallbackEventRepository{db: db}
}

func (r *CallbackEventRepository) Create(ctx context.Context, e *models.CallbackEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *CallbackEventRepository) GetByID(ctx context.Context, id string) (*models.CallbackEvent, error) {
	var e models.CallbackEvent
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *CallbackEventRepository) MarkProcessed(ctx context.Context, id, checkoutID, status, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       status,
		"error":        errMsg,
		"processed_at": &now,
		"updated_at":   now,
	}
	if checkoutID != "" {
		updates["checkout_request_id"] = checkoutID
	}
	return r.db.WithContext(ctx).Model(&models.CallbackEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *CallbackEventRepository) ListByStatus(ctx context.Context, status string, limit int) ([]models.CallbackEvent, error) {
	var list []models.CallbackEvent
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at DESC").Limit(limit).Find(&list).Error
	return list, err
}

// ListReplayable returns events in status replayed fewer than maxAttempts times, oldest first.
func (r *CallbackEventRepository) ListReplayable(ctx context.Context, status string, maxAttempts, limit int) ([]models.CallbackEvent, error) {
	var list []models.CallbackEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND replay_attempts < ?", status, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// IncrementReplayAttempts bumps the automatic replay counter and returns the new value.
func (r *CallbackEventRepository) IncrementReplayAttempts(ctx context.Context, id string) (int, error) {
	err := r.db.WithContext(ctx).Model(&models.CallbackEvent{}).
		Where("id = ?", id).
		Update("replay_attempts", gorm.Expr("replay_attempts + ?", 1)).Error
	if err != nil {
		return 0, err
	}
	var e models.CallbackEvent
	if err := r.db.WithContext(ctx).Select("replay_attempts").First(&e, "id = ?", id).Error; err != nil {
		return 0, notFound(err)
	}
	return e.ReplayAttempts, nil
}

func (r *CallbackEventRepository) ListByCheckoutID(ctx context.Context, checkoutID string) ([]models.CallbackEvent, error) {
	var list []models.CallbackEvent
	err := r.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutID).Order("created_at ASC").Find(&list).Error
	return list, err
}
