package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/emergency-dispatch/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultScope keys the shared budget for FCM sends.
	DefaultScope             = "fcm"
	defaultLimitPerSec int64 = 500
	keyPrefix                = "ratelimit"
	backoffStep              = 10 * time.Millisecond
	backoffMax               = 50 * time.Millisecond
	windowSeconds            = 1
)

// Fixed one-second window; the key expires with its window.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.Limiter = (*SendLimiter)(nil)

// SendLimiter caps gateway sends per second across all instances sharing a Redis.
type SendLimiter struct {
	client      *goredis.Client
	scope       string
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	script      *goredis.Script
}

func NewSendLimiter(client *goredis.Client, scope string, limitPerSec int) (*SendLimiter, error) {
	return newSendLimiter(
		client,
		scope,
		int64(limitPerSec),
		time.Now,
		sleepWithContext,
	)
}

func newSendLimiter(
	client *goredis.Client,
	scope string,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*SendLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		scope = DefaultScope
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &SendLimiter{
		client:      client,
		scope:       scope,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
		script:      allowScript,
	}, nil
}

func (l *SendLimiter) windowKey() string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, l.scope, l.now().UTC().Unix())
}

// Allow consumes one slot of the current window when one is left.
func (l *SendLimiter) Allow(ctx context.Context) (bool, error) {
	if l == nil || l.client == nil || l.script == nil {
		return false, fmt.Errorf("send limiter is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := l.script.Run(ctx, l.client, []string{l.windowKey()}, l.limitPerSec, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate send limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until a slot is granted or ctx ends.
func (l *SendLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := l.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
