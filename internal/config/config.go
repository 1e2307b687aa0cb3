package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/emergency-dispatch/internal/credential"
)

const (
	StorageDriverPostgres  = "postgres"
	StorageDriverPostgREST = "postgrest"

	maxBatchSize = 50
)

// ErrInvalidConfig marks a startup configuration that must not serve triggers.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	StorageDriver     string `env:"STORAGE_DRIVER,default=postgres"`
	DatabaseDSN       string `env:"DATABASE_DSN"`
	StorageURL        string `env:"STORAGE_URL"`
	StorageServiceKey string `env:"STORAGE_SERVICE_KEY"`

	FirebaseServiceAccount string `env:"FIREBASE_SERVICE_ACCOUNT"`
	FCMBaseURL             string `env:"FCM_BASE_URL,default=https://fcm.googleapis.com"`
	OAuthTokenURL          string `env:"OAUTH_TOKEN_URL"`
	FCMScope               string `env:"FCM_SCOPE,default=https://www.googleapis.com/auth/firebase.messaging"`
	FCMChannelID           string `env:"FCM_CHANNEL_ID,default=emergency_alerts"`
	// InvalidTokenMarkers is pipe separated; empty keeps the built-in markers.
	InvalidTokenMarkers   string `env:"INVALID_TOKEN_MARKERS"`
	KeepTokensOnTransient bool   `env:"KEEP_TOKENS_ON_TRANSIENT,default=false"`

	BatchSize               int           `env:"BATCH_SIZE,default=50"`
	AttemptTimeout          time.Duration `env:"ATTEMPT_TIMEOUT,default=15s"`
	RequestTimeout          time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	NotificationConcurrency int           `env:"NOTIFICATION_CONCURRENCY,default=4"`
	DeviceConcurrency       int           `env:"DEVICE_CONCURRENCY,default=8"`

	RedisURL         string        `env:"REDIS_URL"`
	RateLimitPerSec  int           `env:"RATE_LIMIT_PER_SEC,default=500"`
	ScheduleInterval time.Duration `env:"SCHEDULE_INTERVAL,default=1m"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}

	return &cfg, nil
}

// Validate reports every missing or malformed option at once.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}

	var problems []string

	switch c.StorageDriver {
	case StorageDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			problems = append(problems, "DATABASE_DSN is required for the postgres storage driver")
		}
	case StorageDriverPostgREST:
		if strings.TrimSpace(c.StorageURL) == "" {
			problems = append(problems, "STORAGE_URL is required for the postgrest storage driver")
		}
		if strings.TrimSpace(c.StorageServiceKey) == "" {
			problems = append(problems, "STORAGE_SERVICE_KEY is required for the postgrest storage driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORAGE_DRIVER %q is not one of postgres, postgrest", c.StorageDriver))
	}

	if strings.TrimSpace(c.FirebaseServiceAccount) == "" {
		problems = append(problems, "FIREBASE_SERVICE_ACCOUNT is required")
	} else if _, err := c.ServiceAccount(); err != nil {
		problems = append(problems, fmt.Sprintf("FIREBASE_SERVICE_ACCOUNT: %v", err))
	}

	if c.BatchSize < 1 {
		problems = append(problems, "BATCH_SIZE must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "REQUEST_TIMEOUT must be positive")
	}
	if c.AttemptTimeout <= 0 {
		problems = append(problems, "ATTEMPT_TIMEOUT must be positive")
	}
	if c.NotificationConcurrency < 1 || c.DeviceConcurrency < 1 {
		problems = append(problems, "NOTIFICATION_CONCURRENCY and DEVICE_CONCURRENCY must be at least 1")
	}
	if c.RateLimitPerSec < 1 {
		problems = append(problems, "RATE_LIMIT_PER_SEC must be at least 1")
	}
	if c.ScheduleInterval < 0 {
		problems = append(problems, "SCHEDULE_INTERVAL must not be negative")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		problems = append(problems, "API_PORT must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) ServiceAccount() (*credential.ServiceAccount, error) {
	return credential.ParseServiceAccount(c.FirebaseServiceAccount)
}

// Markers splits InvalidTokenMarkers; nil means use the defaults.
func (c *Config) Markers() []string {
	if strings.TrimSpace(c.InvalidTokenMarkers) == "" {
		return nil
	}

	var markers []string
	for _, marker := range strings.Split(c.InvalidTokenMarkers, "|") {
		if marker = strings.TrimSpace(marker); marker != "" {
			markers = append(markers, marker)
		}
	}
	return markers
}

func (c *Config) SchedulerEnabled() bool {
	return c.ScheduleInterval > 0
}
