package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCodeUnregistered is the FCM error.details[].errorCode for a dead registration.
const ErrorCodeUnregistered = "UNREGISTERED"

// GatewayError classifies push send failures as transient/permanent.
type GatewayError struct {
	StatusCode int
	// Status is the RPC status name from the error body, e.g. NOT_FOUND.
	Status    string
	ErrorCode string
	Body      string
	Transient bool
	Cause     error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "gateway error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		parts = append(parts, body)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Text is the failure detail recorded on the delivery log: the raw response
// body for HTTP rejections, the stringified transport error otherwise.
func (e *GatewayError) Text() string {
	if e == nil {
		return ""
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		return body
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Error()
}

// IsTransient reports whether a send failure may succeed on a later attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}
