// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"mirrorbot/internal/config"
)

// FatalError is returned when an operation failed with a non-retryable error
// or when every allowed attempt failed.
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Outcome records how many attempts an Execute call needed.
type Outcome struct {
	Attempts int
	Retries  int
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Controller applies one retry policy. It is safe for concurrent use.
type Controller struct {
	policy  config.RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
	onRetry func(attempt int, delay time.Duration, err error)
}

type Option func(*Controller)

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// OnRetry registers a hook called before each backoff wait.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(c *Controller) { c.onRetry = fn }
}

func New(policy config.RetryPolicy, opts ...Option) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	c := &Controller{
		policy: policy,
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Policy() config.RetryPolicy {
	return c.policy
}

// Execute runs op until it succeeds, fails with an error isRetryable rejects,
// or MaxAttempts is reached. Context cancellation is returned as is.
func (c *Controller) Execute(ctx context.Context, op func(ctx context.Context) error, isRetryable Classifier) (Outcome, error) {
	var out Outcome
	for {
		out.Attempts++
		err := op(ctx)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return out, err
		}
		if !isRetryable(err) || out.Attempts >= c.policy.MaxAttempts {
			return out, &FatalError{Attempts: out.Attempts, Err: err}
		}

		delay := c.Backoff(out.Attempts)
		if c.onRetry != nil {
			c.onRetry(out.Attempts, delay, err)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return out, err
		}
		out.Retries++
	}
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, c *Controller, op func(ctx context.Context) (T, error), isRetryable Classifier) (T, Outcome, error) {
	var result T
	out, err := c.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			result = v
		}
		return err
	}, isRetryable)
	return result, out, err
}

// Backoff returns the wait before the attempt following the given one:
// BaseDelay doubled per attempt, capped at MaxDelay, then jittered to
// 0.5x-1.5x when enabled.
func (c *Controller) Backoff(attempt int) time.Duration {
	if c.policy.BaseDelay <= 0 {
		return 0
	}
	shift := min(attempt-1, 30)
	backoff := c.policy.BaseDelay * time.Duration(1<<uint(shift))
	if c.policy.MaxDelay > 0 && (backoff > c.policy.MaxDelay || backoff <= 0) {
		backoff = c.policy.MaxDelay
	}
	if c.policy.Jitter {
		backoff = time.Duration(float64(backoff) * (0.5 + c.jitter()))
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
