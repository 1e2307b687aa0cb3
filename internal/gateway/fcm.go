package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/emergency-dispatch/internal/credential"
	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
)

const (
	DefaultBaseURL     = "https://fcm.googleapis.com"
	defaultSendTimeout = 10 * time.Second
)

type Options struct {
	BaseURL   string
	ProjectID string
	ChannelID string
	Timeout   time.Duration
}

// Client sends single-device messages through the FCM HTTP v1 API.
type Client struct {
	client    *resty.Client
	endpoint  string
	channelID string
	now       func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewClientWithClient(opts, client)
}

func NewClientWithClient(opts Options, client *resty.Client) (*Client, error) {
	projectID := strings.TrimSpace(opts.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("gateway project id is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages:send", baseURL, url.PathEscape(projectID))
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint: %w", err)
	}

	channelID := strings.TrimSpace(opts.ChannelID)
	if channelID == "" {
		channelID = DefaultChannelID
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return &Client{
		client:    client,
		endpoint:  endpoint,
		channelID: channelID,
		now:       time.Now,
	}, nil
}

// Send pushes msg to one device token. It never returns an error: every
// failure, including timeouts, is reported as a failed Outcome.
func (c *Client) Send(ctx context.Context, token string, msg Message, cred credential.Credential) domain.Outcome {
	statusCode, err := c.send(ctx, token, msg, cred)
	if err == nil {
		return domain.Succeeded(statusCode)
	}

	outcome := domain.Failed(err.Error())
	if gatewayErr, ok := err.(*GatewayError); ok {
		outcome.Error = gatewayErr.Text()
		outcome.StatusCode = gatewayErr.StatusCode
		outcome.ErrorCode = gatewayErr.ErrorCode
	}
	outcome.Transient = IsTransient(err)

	return outcome
}

func (c *Client) send(ctx context.Context, token string, msg Message, cred credential.Credential) (int, error) {
	if c == nil || c.client == nil {
		return 0, &GatewayError{Cause: fmt.Errorf("gateway client is not initialized")}
	}
	if strings.TrimSpace(token) == "" {
		return 0, &GatewayError{Cause: fmt.Errorf("device token is required")}
	}
	if !cred.Valid(c.now()) {
		return 0, &GatewayError{Cause: fmt.Errorf("bearer credential is missing or expired")}
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetBody(newSendRequest(token, msg, c.channelID)).
		Post(c.endpoint)
	if err != nil {
		return 0, &GatewayError{
			Transient: true,
			Cause:     err,
		}
	}
	if response == nil {
		return 0, &GatewayError{
			Transient: true,
			Cause:     fmt.Errorf("gateway returned empty response"),
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return statusCode, nil
	}

	body := response.String()
	status, errorCode := parseErrorBody(body)

	return statusCode, &GatewayError{
		StatusCode: statusCode,
		Status:     status,
		ErrorCode:  errorCode,
		Body:       body,
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// parseErrorBody extracts the RPC status and the FCM error code when the body is structured.
func parseErrorBody(body string) (string, string) {
	var parsed errorEnvelope
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", ""
	}

	for _, detail := range parsed.Error.Details {
		if code := strings.TrimSpace(detail.ErrorCode); code != "" {
			return parsed.Error.Status, code
		}
	}

	return parsed.Error.Status, ""
}
