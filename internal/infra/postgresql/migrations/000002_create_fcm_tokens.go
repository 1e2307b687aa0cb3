package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createFcmTokensTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_fcm_tokens",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DeviceTokenModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_fcm_tokens_active_user ON fcm_tokens (user_id) WHERE is_active`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DeviceTokenModel{})
		},
	}
}
