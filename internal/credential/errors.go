package credential

import (
	"errors"
	"fmt"
	"strings"
)

// AuthError reports that a bearer credential could not be minted.
// It is fatal to the batch run that requested it.
type AuthError struct {
	Op         string
	StatusCode int
	Body       string
	Cause      error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "auth error")

	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
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

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
