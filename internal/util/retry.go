package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// RetryOptions configures RetryWithContext.
//
// MaxTries <= 0 defaults to 1. Backoff is the delay before the second attempt
// and doubles with every further attempt up to MaxBackoff. Timeout bounds a
// single attempt; an attempt running out of time fails with common.ErrTimeout.
// Retryable decides whether a failed attempt may be repeated, nil retries
// every error except cancellation of the parent context.
type RetryOptions struct {
	MaxTries   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
	Retryable  func(error) bool
}

// RetryWithContext calls fn until it succeeds, the retry budget is exhausted
// or ctx is done. Returns ctx.Err() if the parent context is canceled. When
// more than one attempt was made, the last error is wrapped in a
// common.AttemptError, also if it stopped the retries early.
func RetryWithContext[T any](ctx context.Context, opts RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	maxTries := opts.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}

	var zero T
	var lastErr error
	delay := opts.Backoff
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if i > 0 && delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
			delay *= 2
			if opts.MaxBackoff > 0 && delay > opts.MaxBackoff {
				delay = opts.MaxBackoff
			}
		}

		result, err := attempt(ctx, opts.Timeout, fn)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		lastErr = err
		if opts.Retryable != nil && !opts.Retryable(err) {
			if i > 0 {
				return zero, &common.AttemptError{Attempts: i + 1, Err: err}
			}
			return zero, err
		}
	}

	if maxTries > 1 {
		return zero, &common.AttemptError{Attempts: maxTries, Err: lastErr}
	}
	return zero, lastErr
}

// RetryErrWithContext is RetryWithContext for functions without a result.
func RetryErrWithContext(ctx context.Context, opts RetryOptions, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func attempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	aCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(aCtx)
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || aCtx.Err() == context.DeadlineExceeded) {
		if !errors.Is(err, common.ErrTimeout) {
			err = fmt.Errorf("%w after %s: %v", common.ErrTimeout, timeout, err)
		}
	}
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
