package ratelimit

import "context"

// Limiter throttles gateway sends across every dispatcher instance.
type Limiter interface {
	Allow(ctx context.Context) (bool, error)
	Wait(ctx context.Context) error
}

// Noop admits every send. Used when no shared limiter backend is configured.
type Noop struct{}

var _ Limiter = Noop{}

func (Noop) Allow(context.Context) (bool, error) { return true, nil }

func (Noop) Wait(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
