package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReadRetry bounds the exponential backoff applied to idempotent reads.
// Writes are never retried.
type ReadRetry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

var DefaultReadRetry = ReadRetry{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
	MaxTries:        4,
}

func retryRead[T any](ctx context.Context, policy ReadRetry, op func() (T, error)) (T, error) {
	if policy.MaxTries <= 1 {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(policy.MaxTries))
}
