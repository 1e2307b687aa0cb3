package repository

import (
	"context"

	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"gorm.io/gorm"
)

type GormTokenRepo struct {
	db *gorm.DB
}

func NewGormTokenRepo(db *gorm.DB) *GormTokenRepo {
	return &GormTokenRepo{db: db}
}

func (r *GormTokenRepo) FetchActiveTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	var models []DeviceTokenModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, WrapStorage("fetch active tokens", err)
	}

	tokens := make([]domain.DeviceToken, 0, len(models))
	for i := range models {
		tokens = append(tokens, *deviceTokenModelToDomain(&models[i]))
	}

	return tokens, nil
}

// Deactivate flips a token to inactive. Missing or already inactive tokens are not an error.
func (r *GormTokenRepo) Deactivate(ctx context.Context, token string) error {
	err := r.db.WithContext(ctx).
		Model(&DeviceTokenModel{}).
		Where("token = ? AND is_active = ?", token, true).
		Update("is_active", false).Error
	return WrapStorage("deactivate token", err)
}
