package repository

import (
	"time"

	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
)

// PendingNotificationModel is the persistence model for the pending_notifications table.
type PendingNotificationModel struct {
	ID               string                    `gorm:"type:uuid;primaryKey"`
	RecipientUserID  string                    `gorm:"type:varchar(64);not null"`
	NotificationType string                    `gorm:"type:varchar(64);not null"`
	Title            string                    `gorm:"type:text;not null"`
	Body             string                    `gorm:"type:text;not null"`
	Data             map[string]any            `gorm:"type:jsonb;serializer:json"`
	Status           domain.NotificationStatus `gorm:"type:varchar(20);not null;default:pending"`
	ScheduledAt      time.Time                 `gorm:"type:timestamptz;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (PendingNotificationModel) TableName() string {
	return "pending_notifications"
}

// DeviceTokenModel is the persistence model for fcm_tokens.
type DeviceTokenModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	UserID     string `gorm:"type:varchar(64);not null"`
	Token      string `gorm:"type:text;not null;uniqueIndex"`
	DeviceType string `gorm:"type:varchar(20)"`
	IsActive   bool   `gorm:"not null;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (DeviceTokenModel) TableName() string {
	return "fcm_tokens"
}

// DeliveryLogModel is the persistence model for notification_delivery_logs.
type DeliveryLogModel struct {
	ID              string                 `gorm:"type:uuid;primaryKey"`
	NotificationID  string                 `gorm:"type:uuid;not null"`
	RecipientUserID string                 `gorm:"type:varchar(64);not null"`
	FcmToken        string                 `gorm:"column:fcm_token;type:text;not null"`
	Status          domain.DeliveryOutcome `gorm:"type:varchar(10);not null"`
	ErrorMessage    *string                `gorm:"type:text"`
	SentAt          time.Time              `gorm:"type:timestamptz;not null"`
}

func (DeliveryLogModel) TableName() string {
	return "notification_delivery_logs"
}

func pendingNotificationModelToDomain(m *PendingNotificationModel) *domain.PendingNotification {
	if m == nil {
		return nil
	}

	return &domain.PendingNotification{
		ID:          m.ID,
		RecipientID: m.RecipientUserID,
		Kind:        m.NotificationType,
		Title:       m.Title,
		Body:        m.Body,
		Data:        m.Data,
		Status:      m.Status,
		ScheduledAt: m.ScheduledAt,
	}
}

func deviceTokenModelToDomain(m *DeviceTokenModel) *domain.DeviceToken {
	if m == nil {
		return nil
	}

	return &domain.DeviceToken{
		Token:      m.Token,
		DeviceType: m.DeviceType,
		UserID:     m.UserID,
		Active:     m.IsActive,
	}
}

func deliveryLogModelFromDomain(a *domain.DeliveryAttempt) *DeliveryLogModel {
	if a == nil {
		return nil
	}

	return &DeliveryLogModel{
		ID:              a.ID,
		NotificationID:  a.NotificationID,
		RecipientUserID: a.RecipientID,
		FcmToken:        a.DeviceToken,
		Status:          a.Outcome,
		ErrorMessage:    a.Error,
		SentAt:          a.SentAt,
	}
}

func deliveryLogModelToDomain(m *DeliveryLogModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		RecipientID:    m.RecipientUserID,
		DeviceToken:    m.FcmToken,
		Outcome:        m.Status,
		Error:          m.ErrorMessage,
		SentAt:         m.SentAt,
	}
}
