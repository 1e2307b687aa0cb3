package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"gorm.io/gorm"
)

type GormNotificationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db, now: time.Now}
}

// FetchPending returns up to limit due notifications, oldest scheduled first.
func (r *GormNotificationRepo) FetchPending(ctx context.Context, limit int) ([]domain.PendingNotification, error) {
	var models []PendingNotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.StatusPending, r.now().UTC()).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, WrapStorage("fetch pending notifications", err)
	}

	notifications := make([]domain.PendingNotification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *pendingNotificationModelToDomain(&models[i]))
	}

	return notifications, nil
}

func (r *GormNotificationRepo) UpdateStatus(ctx context.Context, id string, status domain.NotificationStatus) error {
	result := r.db.WithContext(ctx).
		Model(&PendingNotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Update("status", status)
	if result.Error != nil {
		return WrapStorage("update notification status", result.Error)
	}
	if result.RowsAffected == 0 {
		return WrapStorage("update notification status", domain.ErrConflict)
	}
	return nil
}
