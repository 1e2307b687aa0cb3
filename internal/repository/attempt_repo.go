package repository

import (
	"context"

	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"gorm.io/gorm"
)

type GormDeliveryLogRepo struct {
	db *gorm.DB
}

func NewGormDeliveryLogRepo(db *gorm.DB) *GormDeliveryLogRepo {
	return &GormDeliveryLogRepo{db: db}
}

func (r *GormDeliveryLogRepo) Insert(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := deliveryLogModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return WrapStorage("insert delivery log", err)
	}
	return nil
}

func (r *GormDeliveryLogRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryLogModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("sent_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, WrapStorage("list delivery logs", err)
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *deliveryLogModelToDomain(&models[i]))
	}

	return attempts, nil
}
