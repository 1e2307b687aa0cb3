package recorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
)

// Recorder persists per-device attempts and the terminal notification status.
type Recorder struct {
	logs          repository.DeliveryLogRepository
	notifications repository.NotificationRepository
	now           func() time.Time
	newID         func() string
}

func New(logs repository.DeliveryLogRepository, notifications repository.NotificationRepository) (*Recorder, error) {
	if logs == nil {
		return nil, fmt.Errorf("delivery log repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}

	return &Recorder{
		logs:          logs,
		notifications: notifications,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

// Record appends one delivery log row. Successful attempts carry no error text.
func (r *Recorder) Record(ctx context.Context, notificationID, recipientID, token string, outcome domain.Outcome) error {
	attempt := &domain.DeliveryAttempt{
		ID:             r.newID(),
		NotificationID: notificationID,
		RecipientID:    recipientID,
		DeviceToken:    token,
		Outcome:        outcome.DeliveryOutcome(),
		SentAt:         r.now().UTC(),
	}

	if !outcome.Success {
		errText := strings.TrimSpace(outcome.Error)
		if errText == "" {
			errText = "unknown delivery error"
		}
		attempt.Error = &errText
	}

	if err := r.logs.Insert(ctx, attempt); err != nil {
		return repository.WrapStorage("insert delivery log", err)
	}

	return nil
}

// Finalize resolves the terminal status from the tallies and writes it once.
// The resolved status is returned even when the write fails.
func (r *Recorder) Finalize(ctx context.Context, notificationID string, successCount, failureCount int) (domain.NotificationStatus, error) {
	status := domain.ResolveStatus(successCount, failureCount)

	if err := r.notifications.UpdateStatus(ctx, notificationID, status); err != nil {
		return status, repository.WrapStorage("update notification status", err)
	}

	return status, nil
}
