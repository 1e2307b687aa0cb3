package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createPendingNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_pending_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.PendingNotificationModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_pending_notifications_due ON pending_notifications (scheduled_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_pending_notifications_recipient ON pending_notifications (recipient_user_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PendingNotificationModel{})
		},
	}
}
