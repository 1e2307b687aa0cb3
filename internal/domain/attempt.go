package domain

import "time"

// DeliveryOutcome is the persisted result of one device send.
type DeliveryOutcome string

const (
	DeliverySent   DeliveryOutcome = "sent"
	DeliveryFailed DeliveryOutcome = "failed"
)

func (o DeliveryOutcome) String() string { return string(o) }

// DeliveryAttempt is an append-only record of one (notification, device) send.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	RecipientID    string
	DeviceToken    string
	Outcome        DeliveryOutcome
	Error          *string
	SentAt         time.Time
}

// Outcome is the gateway verdict for a single device send.
type Outcome struct {
	Success bool
	// Error holds the raw response body or the transport error text on failure.
	Error      string
	StatusCode int
	// ErrorCode is the structured gateway error code when the body carried one.
	ErrorCode string
	Transient bool
}

func Succeeded(statusCode int) Outcome {
	return Outcome{Success: true, StatusCode: statusCode}
}

func Failed(errorText string) Outcome {
	return Outcome{Error: errorText}
}

func (o Outcome) DeliveryOutcome() DeliveryOutcome {
	if o.Success {
		return DeliverySent
	}
	return DeliveryFailed
}
