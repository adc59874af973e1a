// Package retry provides bounded, exponentially backed-off re-execution of
// fallible operations. A Policy is a value object: it carries no state between
// calls and is safe to share across goroutines.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// OnRetryFunc is invoked before each backoff wait. It receives the attempt
// number that just failed (1-based), the error it failed with, and the delay
// that will elapse before the next attempt. It must not affect control flow.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// ClassifyFunc reports whether an error is worth retrying. When it returns
// false the remaining attempt budget is abandoned and the error is returned
// immediately.
type ClassifyFunc func(err error) bool

// Policy describes how a fallible operation is re-executed.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64

	// OnRetry, if set, observes each retry. Purely informational.
	OnRetry OnRetryFunc

	// Classify, if set, short-circuits retries for errors it rejects.
	// A nil Classify treats every error as retryable up to MaxAttempts.
	Classify ClassifyFunc
}

// Default returns the moderate policy used for steps with no special
// classification.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Critical returns the aggressive policy for steps that block everything
// downstream: more attempts, shorter initial delay.
func Critical() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     15 * time.Second,
		Multiplier:   2,
	}
}

// NetworkIntensive returns the policy for steps that wait on external
// propagation: fewer attempts, longer initial delay.
func NetworkIntensive() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
	}
}

// DelayForAttempt returns the wait inserted after attempt i (0-based) fails:
// min(InitialDelay * Multiplier^i, MaxDelay).
func (p Policy) DelayForAttempt(i int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(i)))
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}
	return delay
}

// Do executes op up to MaxAttempts times. The backoff wait between attempts
// is interruptible by ctx; cancellation during a wait returns ctx.Err().
// On exhaustion the last error is returned, wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if p.Classify != nil && !p.Classify(lastErr) {
			return lastErr
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.DelayForAttempt(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}
