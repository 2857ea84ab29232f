package tb

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// RetryPolicy is a fixed-backoff retry contract: at most MaxAttempts calls with Backoff
// between consecutive attempts. There is no exponential growth.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DumpRetryPolicy is the default policy for dump producers.
var DumpRetryPolicy = RetryPolicy{MaxAttempts: 1, Backoff: 30 * time.Second}

// WithRetry calls fn until it succeeds, the policy is exhausted, or ctx is done.
// notify, if non-nil, is called after every failed attempt. The error of the last
// attempt is returned on exhaustion.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, notify func(err error, attempt int), fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.Backoff
	if delay <= 0 {
		// juju/retry rejects a zero delay.
		delay = time.Nanosecond
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			v, err := fn(ctx)
			if err != nil {
				return err
			}
			result = v
			return nil
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			if notify != nil {
				notify(err, attempt)
			}
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		var zero T
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			if last := retry.LastError(err); last != nil {
				return zero, last
			}
		}
		return zero, err
	}
	return result, nil
}
