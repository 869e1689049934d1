// Package retry provides the single retry/backoff primitive shared by the shell
// session, the lifecycle polling loops and the execution bridge.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrTimeout is returned when a policy's Timeout elapses before success.
	ErrTimeout = errors.New("timed out")

	// ErrExhausted is returned when a policy's MaxAttempts are used up.
	ErrExhausted = errors.New("retries exhausted")
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts bounds the number of calls to the operation. Zero means unbounded
	// (Timeout or the context must then end the loop).
	MaxAttempts int

	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each failure. Values below 1 are treated as 1.
	Multiplier float64

	// Timeout bounds the total time spent retrying. Zero means no bound.
	Timeout time.Duration
}

// Exponential returns a policy whose n-th delay is min(base*2^n, cap).
func Exponential(attempts int, base, cap time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    cap,
		Multiplier:  2,
	}
}

// Constant returns a polling policy that retries every interval until timeout.
func Constant(interval, timeout time.Duration) Policy {
	return Policy{
		BaseDelay:  interval,
		MaxDelay:   interval,
		Multiplier: 1,
		Timeout:    timeout,
	}
}

// Delays returns the first n delays the policy would wait between attempts.
func (p Policy) Delays(n int) []time.Duration {
	b := p.backOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) backOff() backoff.BackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = mult
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds or the policy gives up. The op context carries
// the policy timeout. The returned error wraps ErrTimeout or ErrExhausted together
// with the last operation error, except for permanent errors and context
// cancellation which are returned as-is.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var (
		attempts  int
		permanent bool
		lastErr   error
	)
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(p.Timeout),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxAttempts)))
	}

	res, err := backoff.Retry(runCtx, func() (T, error) {
		attempts++
		v, err := op(runCtx)
		if err != nil {
			lastErr = err
		}
		var perm *backoff.PermanentError
		if err != nil && errors.As(err, &perm) {
			permanent = true
		}
		return v, err
	}, opts...)
	if err == nil {
		return res, nil
	}

	switch {
	case permanent:
		return res, err
	case ctx.Err() != nil:
		return res, ctx.Err()
	case p.MaxAttempts > 0 && attempts >= p.MaxAttempts:
		return res, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	case p.Timeout > 0:
		return res, fmt.Errorf("%w after %s (%d attempts): %w", ErrTimeout, p.Timeout, attempts, lastErr)
	default:
		return res, err
	}
}

// Poll calls check until it reports done, returns an error marked Permanent, or
// the timeout elapses. It is Do with a constant interval and no return value.
func Poll(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) error) error {
	_, err := Do(ctx, Constant(interval, timeout), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, check(ctx)
	})
	return err
}
