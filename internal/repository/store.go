package repository

import (
	"context"

	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"gorm.io/gorm"
)

// NotificationRepository reads due notifications and writes their terminal status.
type NotificationRepository interface {
	FetchPending(ctx context.Context, limit int) ([]domain.PendingNotification, error)
	// UpdateStatus only transitions rows still in pending; otherwise it returns domain.ErrConflict.
	UpdateStatus(ctx context.Context, id string, status domain.NotificationStatus) error
}

// TokenRepository resolves and retires device registrations.
type TokenRepository interface {
	FetchActiveTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error)
	Deactivate(ctx context.Context, token string) error
}

// DeliveryLogRepository appends per-device delivery records.
type DeliveryLogRepository interface {
	Insert(ctx context.Context, a *domain.DeliveryAttempt) error
}

// Store is the full storage boundary consumed by the dispatcher.
type Store interface {
	NotificationRepository
	TokenRepository
	DeliveryLogRepository
}

// GormStore bundles the GORM repositories behind the Store interface.
type GormStore struct {
	*GormNotificationRepo
	*GormTokenRepo
	*GormDeliveryLogRepo
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		GormNotificationRepo: NewGormNotificationRepo(db),
		GormTokenRepo:        NewGormTokenRepo(db),
		GormDeliveryLogRepo:  NewGormDeliveryLogRepo(db),
	}
}
