package domain

import (
	"fmt"
	"strings"
	"time"
)

// NotificationStatus represents the delivery state of a queued notification.
type NotificationStatus string

const (
	StatusPending NotificationStatus = "pending"
	StatusSent    NotificationStatus = "sent"
	StatusPartial NotificationStatus = "partial"
	StatusFailed  NotificationStatus = "failed"
)

func (s NotificationStatus) String() string { return string(s) }

func (s NotificationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status can no longer be selected for delivery.
func (s NotificationStatus) IsTerminal() bool {
	switch s {
	case StatusSent, StatusPartial, StatusFailed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (NotificationStatus, error) {
	st := NotificationStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// ResolveStatus derives the terminal status from per-device tallies.
// Zero successes is always failed, including the zero-device case.
func ResolveStatus(successCount int, failureCount int) NotificationStatus {
	switch {
	case successCount > 0 && failureCount == 0:
		return StatusSent
	case successCount > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

// PendingNotification is a queued alert waiting to be pushed to its recipient's devices.
type PendingNotification struct {
	ID          string
	RecipientID string
	Kind        string
	Title       string
	Body        string
	Data        map[string]any
	Status      NotificationStatus
	ScheduledAt time.Time
}

// DeviceToken is a push endpoint registered by one installed app instance.
type DeviceToken struct {
	Token      string
	DeviceType string
	UserID     string
	Active     bool
}
