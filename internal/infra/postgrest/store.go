package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
)

const (
	restPath              = "/rest/v1"
	pendingBatchRPC       = "/rpc/get_pending_emergency_notifications"
	defaultRequestTimeout = 10 * time.Second

	preferHeader         = "Prefer"
	preferMinimal        = "return=minimal"
	preferRepresentation = "return=representation"
)

type Options struct {
	BaseURL    string
	ServiceKey string
	Timeout    time.Duration
}

// Store implements the storage boundary over a PostgREST (Supabase) API
// authenticated with a privileged service key.
type Store struct {
	client *resty.Client
}

var _ repository.Store = (*Store)(nil)

func NewStore(opts Options) (*Store, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewStoreWithClient(opts, client)
}

func NewStoreWithClient(opts Options, client *resty.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("storage url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid storage url: %w", err)
	}

	serviceKey := strings.TrimSpace(opts.ServiceKey)
	if serviceKey == "" {
		return nil, fmt.Errorf("storage service key is required")
	}

	client.SetBaseURL(baseURL + restPath)
	client.SetHeader("apikey", serviceKey)
	client.SetAuthToken(serviceKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")

	return &Store{client: client}, nil
}

// Ping checks that the REST endpoint answers with the configured key.
func (s *Store) Ping(ctx context.Context) error {
	response, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "id").
		SetQueryParam("limit", "1").
		Get("/pending_notifications")

	return checkResponse("ping", response, err)
}

type pendingRow struct {
	ID               string          `json:"id"`
	RecipientUserID  string          `json:"recipient_user_id"`
	NotificationType string          `json:"notification_type"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	Data             json.RawMessage `json:"data"`
	Status           string          `json:"status"`
	ScheduledAt      *time.Time      `json:"scheduled_at"`
}

type tokenRow struct {
	Token      string `json:"token"`
	DeviceType string `json:"device_type"`
	UserID     string `json:"user_id"`
	IsActive   *bool  `json:"is_active"`
}

type deliveryLogRow struct {
	ID              string  `json:"id,omitempty"`
	NotificationID  string  `json:"notification_id"`
	RecipientUserID string  `json:"recipient_user_id"`
	FcmToken        string  `json:"fcm_token"`
	Status          string  `json:"status"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	SentAt          string  `json:"sent_at"`
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]domain.PendingNotification, error) {
	const op = "fetch pending notifications"

	response, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]int{"batch_size": limit}).
		Post(pendingBatchRPC)
	if err := checkResponse(op, response, err); err != nil {
		return nil, err
	}

	var rows []pendingRow
	if err := decodeBody(response, &rows); err != nil {
		return nil, repository.WrapStorage(op, err)
	}

	notifications := make([]domain.PendingNotification, 0, len(rows))
	for _, row := range rows {
		notification, err := row.toDomain()
		if err != nil {
			return nil, repository.WrapStorage(op, err)
		}
		notifications = append(notifications, notification)
		if limit > 0 && len(notifications) == limit {
			break
		}
	}

	return notifications, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.NotificationStatus) error {
	const op = "update notification status"

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader(preferHeader, preferRepresentation).
		SetQueryParam("id", "eq."+id).
		SetQueryParam("status", "eq."+domain.StatusPending.String()).
		SetQueryParam("select", "id").
		SetBody(map[string]string{"status": status.String()}).
		Patch("/pending_notifications")
	if err := checkResponse(op, response, err); err != nil {
		return err
	}

	var updated []struct {
		ID string `json:"id"`
	}
	if err := decodeBody(response, &updated); err != nil {
		return repository.WrapStorage(op, err)
	}
	if len(updated) == 0 {
		return repository.WrapStorage(op, domain.ErrConflict)
	}

	return nil
}

func (s *Store) FetchActiveTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	const op = "fetch active tokens"

	response, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "token,device_type,user_id,is_active").
		SetQueryParam("user_id", "eq."+userID).
		SetQueryParam("is_active", "eq.true").
		Get("/fcm_tokens")
	if err := checkResponse(op, response, err); err != nil {
		return nil, err
	}

	var rows []tokenRow
	if err := decodeBody(response, &rows); err != nil {
		return nil, repository.WrapStorage(op, err)
	}

	tokens := make([]domain.DeviceToken, 0, len(rows))
	for _, row := range rows {
		if row.IsActive != nil && !*row.IsActive {
			continue
		}
		owner := row.UserID
		if owner == "" {
			owner = userID
		}
		tokens = append(tokens, domain.DeviceToken{
			Token:      row.Token,
			DeviceType: row.DeviceType,
			UserID:     owner,
			Active:     true,
		})
	}

	return tokens, nil
}

func (s *Store) Deactivate(ctx context.Context, token string) error {
	response, err := s.client.R().
		SetContext(ctx).
		SetHeader(preferHeader, preferMinimal).
		SetQueryParam("token", "eq."+token).
		SetBody(map[string]bool{"is_active": false}).
		Patch("/fcm_tokens")

	return checkResponse("deactivate token", response, err)
}

func (s *Store) Insert(ctx context.Context, a *domain.DeliveryAttempt) error {
	const op = "insert delivery log"

	if a == nil {
		return repository.WrapStorage(op, fmt.Errorf("delivery attempt is required: %w", domain.ErrValidation))
	}

	row := deliveryLogRow{
		ID:              a.ID,
		NotificationID:  a.NotificationID,
		RecipientUserID: a.RecipientID,
		FcmToken:        a.DeviceToken,
		Status:          a.Outcome.String(),
		ErrorMessage:    a.Error,
		SentAt:          a.SentAt.UTC().Format(time.RFC3339Nano),
	}

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader(preferHeader, preferMinimal).
		SetBody(row).
		Post("/notification_delivery_logs")

	return checkResponse(op, response, err)
}

func (r pendingRow) toDomain() (domain.PendingNotification, error) {
	status := domain.StatusPending
	if strings.TrimSpace(r.Status) != "" {
		parsed, err := domain.ParseStatusFromString(r.Status)
		if err != nil {
			return domain.PendingNotification{}, err
		}
		status = parsed
	}

	var data map[string]any
	if raw := bytes.TrimSpace(r.Data); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &data); err != nil {
			return domain.PendingNotification{}, fmt.Errorf("decode data for notification %s: %w", r.ID, err)
		}
	}

	var scheduledAt time.Time
	if r.ScheduledAt != nil {
		scheduledAt = r.ScheduledAt.UTC()
	}

	return domain.PendingNotification{
		ID:          r.ID,
		RecipientID: r.RecipientUserID,
		Kind:        r.NotificationType,
		Title:       r.Title,
		Body:        r.Body,
		Data:        data,
		Status:      status,
		ScheduledAt: scheduledAt,
	}, nil
}

// checkResponse turns transport failures and non-2xx responses into StorageError.
func checkResponse(op string, response *resty.Response, err error) error {
	if err != nil {
		return repository.WrapStorage(op, err)
	}
	if response == nil {
		return repository.WrapStorage(op, fmt.Errorf("empty response"))
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return repository.WrapStorage(op, fmt.Errorf("status=%d: %s", statusCode, strings.TrimSpace(response.String())))
}

func decodeBody(response *resty.Response, target any) error {
	body := bytes.TrimSpace(response.Body())
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
