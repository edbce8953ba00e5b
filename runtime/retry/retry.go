// Package retry re-runs stage model calls that failed transiently.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

type (
	// Policy bounds how often and how patiently a call is retried.
	Policy struct {
		// Attempts caps the number of calls, the first one included. Values
		// below 1 mean a single call.
		Attempts int
		// Base is the wait after the first failure.
		Base time.Duration
		// Cap bounds every wait. Zero means no bound.
		Cap time.Duration
		// Factor multiplies the wait after each failure.
		Factor float64
		// Jitter spreads each wait by up to this fraction in either direction.
		Jitter float64
		// Notify, when set, is called before each wait.
		Notify func(Attempt)
	}

	// Attempt describes a failed call about to be retried.
	Attempt struct {
		// N is the 1-based number of the failed call.
		N    int
		Err  error
		Wait time.Duration
	}

	// Retryable is implemented by errors that know whether the same call may
	// succeed later.
	Retryable interface {
		Retryable() bool
	}

	// GiveUpError is returned once every attempt failed with a retryable
	// error.
	GiveUpError struct {
		Attempts int
		Elapsed  time.Duration
		Err      error
	}
)

// DefaultPolicy returns the policy of stage model calls.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Base:     250 * time.Millisecond,
		Cap:      5 * time.Second,
		Factor:   2,
		Jitter:   0.1,
	}
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("gave up after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *GiveUpError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt: errors that
// classify themselves, network timeouts and deadlines. Cancellation never is.
func IsRetryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Do calls fn until it succeeds, fails with an error IsRetryable rejects, ctx
// ends or the policy runs out of attempts. fn receives the 1-based attempt
// number.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, n int) error) error {
	attempts := max(p.Attempts, 1)
	start := time.Now()
	for n := 1; ; n++ {
		err := fn(ctx, n)
		switch {
		case err == nil:
			return nil
		case !IsRetryable(err), ctx.Err() != nil:
			return err
		case n == attempts:
			return &GiveUpError{Attempts: n, Elapsed: time.Since(start), Err: err}
		}
		wait := p.Delay(n)
		if p.Notify != nil {
			p.Notify(Attempt{N: n, Err: err, Wait: wait})
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Delay returns the wait following the n-th failed call.
func (p Policy) Delay(n int) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Base) * math.Pow(factor, float64(n-1))
	if p.Cap > 0 {
		d = math.Min(d, float64(p.Cap))
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1) //nolint:gosec // jitter
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
