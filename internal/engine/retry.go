package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mazwell/conduct/model"
)

// Default retry shape when a step declares retry without tuning fields.
const (
	defaultInitialInterval    = 1 * time.Second
	defaultMaxInterval        = 60 * time.Second
	defaultBackoffCoefficient = 2.0
)

// newBackOff builds the exponential schedule for one step's retry config.
// MaxAttempts counts the first try, so two attempts mean one retry.
func newBackOff(ctx context.Context, rc *model.RetryConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultInitialInterval
	eb.MaxInterval = defaultMaxInterval
	eb.Multiplier = defaultBackoffCoefficient
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	if rc.InitialIntervalSeconds > 0 {
		eb.InitialInterval = time.Duration(rc.InitialIntervalSeconds * float64(time.Second))
	}
	if rc.MaxIntervalSeconds > 0 {
		eb.MaxInterval = time.Duration(rc.MaxIntervalSeconds * float64(time.Second))
	}
	if rc.BackoffCoefficient >= 1 {
		eb.Multiplier = rc.BackoffCoefficient
	}
	eb.Reset()

	var b backoff.BackOff = eb
	if rc.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(rc.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// retryableError reports whether an error is worth retrying. Guard and
// configuration failures are deterministic and never retried.
func retryableError(err error) bool {
	switch model.CodeOf(err) {
	case model.ErrBackendUnavailable, model.ErrTimeout, model.ErrInternalError:
		return true
	}
	return false
}

// withRetry runs op under the step's retry config. A nil config means a
// single attempt. onRetry is invoked before each retry wait, if non-nil.
func withRetry(ctx context.Context, rc *model.RetryConfig, onRetry func(err error), op func() error) error {
	if rc == nil || rc.MaxAttempts <= 1 {
		return op()
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(err)
		}
	}

	return backoff.RetryNotify(wrapped, newBackOff(ctx, rc), notify)
}
