// Package backoff provides exponential backoff with jitter for retrying
// transient provider and callback failures.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when every retry attempt has failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy defines the exponential backoff parameters.
type Policy struct {
	Initial time.Duration // first delay
	Max     time.Duration // delay ceiling
	Factor  float64       // exponential growth per attempt
	Jitter  float64       // randomization fraction, 0..1
}

// DefaultPolicy returns the policy used for provider retries:
// 500ms initial, 10s cap, doubling, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay computes the backoff for a 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * rand.Float64() // #nosec G404 -- jitter needs no crypto randomness
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep waits for the attempt's backoff or until the context is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to maxAttempts times, sleeping between failures.
// retryable decides whether an error is worth another attempt; a nil
// retryable retries everything. Context cancellation aborts immediately.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error, retryable func(error) bool) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
