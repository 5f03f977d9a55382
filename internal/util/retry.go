package util

import (
	"context"
	"errors"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The retry helpers stop at once
// and return the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

func stopRetrying(err error) bool {
	return IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Retry calls fn up to maxTries times until it returns nil error.
// If maxTries <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	return RetryWithContext(context.Background(), maxTries, func(context.Context) (T, error) {
		return fn()
	})
}

// RetryErrWithContext calls fn up to maxTries times until it returns nil error,
// a permanent error, or until ctx is done.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, maxTries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithContext calls fn up to maxTries times until it returns nil error,
// a permanent error, or until ctx is done. If maxTries <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	return RetryWithBackoff(ctx, maxTries, 0, fn)
}

// RetryWithBackoff is RetryWithContext with a pause between attempts that
// starts at base and doubles after every failure.
func RetryWithBackoff[T any](ctx context.Context, maxTries int, base time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	wait := base
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if stopRetrying(err) {
			return zero, unwrapPermanent(err)
		}
		lastErr = err

		if wait > 0 && i < maxTries-1 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
			wait *= 2
		}
	}
	return zero, lastErr
}
