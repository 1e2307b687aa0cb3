package credential

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	DefaultScope    = "https://www.googleapis.com/auth/firebase.messaging"

	jwtBearerGrantType  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL        = time.Hour
	defaultTokenTimeout = 10 * time.Second
)

var assertionSigningMethod = jwt.SigningMethodRS256

// Credential is a short-lived bearer token for the push gateway.
// It is owned by a single batch run and never persisted.
type Credential struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Valid reports whether the credential can still authorize a send at now.
// A zero ExpiresAt means the issuer gave no expiry.
func (c Credential) Valid(now time.Time) bool {
	if strings.TrimSpace(c.AccessToken) == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

type Options struct {
	// TokenURL overrides the service account token_uri.
	TokenURL string
	Scope    string
	Timeout  time.Duration
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Minter exchanges a signed service-account assertion for a bearer credential.
type Minter struct {
	client   *resty.Client
	account  *ServiceAccount
	key      *rsa.PrivateKey
	tokenURL string
	scope    string
	now      func() time.Time
}

func NewMinter(account *ServiceAccount, opts Options) (*Minter, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewMinterWithClient(account, opts, client)
}

func NewMinterWithClient(account *ServiceAccount, opts Options, client *resty.Client) (*Minter, error) {
	if account == nil {
		return nil, fmt.Errorf("service account is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("invalid service account private key: %w", err)
	}

	tokenURL := firstNonEmpty(opts.TokenURL, account.TokenURI, DefaultTokenURL)
	if _, err := url.ParseRequestURI(tokenURL); err != nil {
		return nil, fmt.Errorf("invalid token url: %w", err)
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTokenTimeout)
	}
	client.SetRetryCount(0)

	return &Minter{
		client:   client,
		account:  account,
		key:      key,
		tokenURL: tokenURL,
		scope:    firstNonEmpty(opts.Scope, DefaultScope),
		now:      time.Now,
	}, nil
}

// Mint signs a fresh assertion and exchanges it at the token endpoint.
func (m *Minter) Mint(ctx context.Context) (Credential, error) {
	if m == nil || m.client == nil || m.key == nil {
		return Credential{}, &AuthError{Op: "mint", Cause: fmt.Errorf("minter is not initialized")}
	}

	now := m.now()
	assertion, err := m.signAssertion(now)
	if err != nil {
		return Credential{}, &AuthError{Op: "sign assertion", Cause: err}
	}

	response, err := m.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type": jwtBearerGrantType,
			"assertion":  assertion,
		}).
		Post(m.tokenURL)
	if err != nil {
		return Credential{}, &AuthError{Op: "exchange assertion", Cause: err}
	}

	if !response.IsSuccess() {
		return Credential{}, &AuthError{
			Op:         "exchange assertion",
			StatusCode: response.StatusCode(),
			Body:       strings.TrimSpace(response.String()),
		}
	}

	var body tokenResponse
	if err := json.Unmarshal(response.Body(), &body); err != nil {
		return Credential{}, &AuthError{Op: "decode token response", StatusCode: response.StatusCode(), Cause: err}
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return Credential{}, &AuthError{
			Op:         "decode token response",
			StatusCode: response.StatusCode(),
			Body:       "response carried no access_token",
		}
	}

	ttl := assertionTTL
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}

	return Credential{
		AccessToken: body.AccessToken,
		TokenType:   firstNonEmpty(body.TokenType, "Bearer"),
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// signAssertion builds header.payload.signature, each segment base64url without padding.
func (m *Minter) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   m.account.ClientEmail,
		"sub":   m.account.ClientEmail,
		"aud":   m.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
		"scope": m.scope,
	}

	token := jwt.NewWithClaims(assertionSigningMethod, claims)
	if kid := strings.TrimSpace(m.account.PrivateKeyID); kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}
	return signed, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
