package credential

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ServiceAccount is the signing material issued by the identity provider.
type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id" validate:"required"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key" validate:"required"`
	ClientEmail  string `json:"client_email" validate:"required,email"`
	ClientID     string `json:"client_id"`
	TokenURI     string `json:"token_uri" validate:"omitempty,url"`
}

// ParseServiceAccount decodes and validates a service account JSON document.
func ParseServiceAccount(raw string) (*ServiceAccount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("service account is empty")
	}

	var account ServiceAccount
	if err := json.Unmarshal([]byte(trimmed), &account); err != nil {
		return nil, fmt.Errorf("invalid service account json: %w", err)
	}

	// Keys flattened into a single-line env var keep their newlines escaped.
	account.PrivateKey = strings.ReplaceAll(account.PrivateKey, `\n`, "\n")

	if err := validate.Struct(&account); err != nil {
		return nil, fmt.Errorf("invalid service account: %w", err)
	}

	return &account, nil
}
