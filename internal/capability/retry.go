package capability

import (
	"context"
	"errors"
	"time"

	"github.com/dschulmeist/slide2anki/internal/logging"
)

// RetryConfig bounds the transient-error retry loop.
type RetryConfig struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
}

// DefaultRetryConfig mirrors the retry posture used against rate-limited
// providers: a small bounded count with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, MinWait: time.Second, MaxWait: 30 * time.Second}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.MinWait <= 0 {
		c.MinWait = time.Second
	}
	if c.MaxWait < c.MinWait {
		c.MaxWait = c.MinWait
	}
	return c
}

// retryInvoker decorates an Invoker with exponential backoff on
// transient errors. Persistent errors surface immediately.
type retryInvoker struct {
	inner Invoker
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps inner so transient failures are retried with
// exponential backoff, doubling from cfg.MinWait up to cfg.MaxWait.
// A context cancellation aborts the wait immediately.
func WithRetry(inner Invoker, cfg RetryConfig) Invoker {
	return &retryInvoker{inner: inner, cfg: cfg.normalized(), sleep: sleepCtx}
}

func (r *retryInvoker) Invoke(ctx context.Context, name string, input Input) (Output, error) {
	var lastErr error
	wait := r.cfg.MinWait

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			logging.Capability("retrying %s (attempt %d/%d) after %s",
				name, attempt, r.cfg.MaxAttempts, wait)
			delay := wait
			var te *TransientError
			if errors.As(lastErr, &te) && te.RetryAfterSeconds > 0 {
				delay = time.Duration(te.RetryAfterSeconds) * time.Second
			}
			if err := r.sleep(ctx, delay); err != nil {
				return Output{}, err
			}
			wait *= 2
			if wait > r.cfg.MaxWait {
				wait = r.cfg.MaxWait
			}
		}

		out, err := r.inner.Invoke(ctx, name, input)
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return Output{}, err
		}
		lastErr = err
		logging.Get(logging.CategoryCapability).Warnf(
			"%s failed (attempt %d/%d): %v", name, attempt, r.cfg.MaxAttempts, err)
	}
	return Output{}, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
