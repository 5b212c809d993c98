package adapter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/punchamoorthee/remitgate/internal/domain"
)

// RetryPolicy bounds in-place retries of a single rail call.
// MaxAttempts of 1 disables retry.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// OnRetry is called before each retry with the operation name.
	OnRetry func(method domain.Method, op string, err error)
}

// Retrying wraps next so transient failures are retried under policy.
// Fatal errors and context cancellation stop immediately.
func Retrying(next PaymentAdapter, policy RetryPolicy) PaymentAdapter {
	if policy.MaxAttempts <= 1 {
		return next
	}
	return &retrying{next: next, policy: policy}
}

type retrying struct {
	next   PaymentAdapter
	policy RetryPolicy
}

func (r *retrying) Method() domain.Method { return r.next.Method() }

func (r *retrying) Create(ctx context.Context, rem domain.Remittance, ac Context) (string, error) {
	return retry(ctx, r, "create", func() (string, error) {
		return r.next.Create(ctx, rem, ac)
	})
}

func (r *retrying) Status(ctx context.Context, transferID string, ac Context) (domain.Status, error) {
	return retry(ctx, r, "status", func() (domain.Status, error) {
		return r.next.Status(ctx, transferID, ac)
	})
}

func (r *retrying) Cancel(ctx context.Context, transferID string, ac Context) error {
	_, err := retry(ctx, r, "cancel", func() (struct{}, error) {
		return struct{}{}, r.next.Cancel(ctx, transferID, ac)
	})
	return err
}

func retry[T any](ctx context.Context, r *retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialBackoff > 0 {
		b.InitialInterval = r.policy.InitialBackoff
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && IsFatal(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(r.next.Method(), op, err)
			}
		}),
	)
}
