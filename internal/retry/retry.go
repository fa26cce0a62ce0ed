// Package retry wraps fallible remote operations with bounded
// exponential-backoff retry. Intermediate failures are swallowed; the
// caller always receives a final Outcome rather than a panic or a
// mid-flight error.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"abide-backend/internal/apperrors"
	"abide-backend/internal/clock"
)

// Predicate decides whether a failed attempt should be retried.
type Predicate func(error) bool

// Policy configures retry behavior. Policies are immutable per call.
type Policy struct {
	MaxAttempts   int           // total attempts, including the first
	BaseDelay     time.Duration // delay before the second attempt
	MaxDelay      time.Duration // ceiling for any computed delay
	BackoffFactor float64       // multiplier applied per attempt
	JitterFactor  float64       // fraction of the exponential term, capped at 0.1
	Predicate     Predicate     // nil means apperrors.IsRetryable

	// OnRetry fires before each wait with the upcoming attempt number
	// and the error that triggered it. It must not affect control flow.
	OnRetry func(attempt int, err error)
}

// Outcome is the final result of a retried operation.
type Outcome[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// OK reports whether the operation eventually succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Do runs op under the policy. It returns after the first success, a
// non-retryable error, exhausted attempts, or context cancellation.
// Attempts within one call are strictly sequential.
func Do[T any](ctx context.Context, clk clock.Clock, policy Policy, op func(context.Context) (T, error)) Outcome[T] {
	policy = policy.normalized()
	predicate := policy.Predicate
	if predicate == nil {
		predicate = apperrors.IsRetryable
	}

	var last error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome[T]{Err: err, Attempts: attempt - 1}
		}

		value, err := op(ctx)
		if err == nil {
			return Outcome[T]{Value: value, Attempts: attempt}
		}
		last = err

		if attempt == policy.MaxAttempts || !predicate(err) {
			return Outcome[T]{Err: err, Attempts: attempt}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err)
		}

		delay := policy.delay(attempt)
		if hint, ok := apperrors.RetryAfterHint(err); ok && hint > delay {
			// A 429 told us exactly how long to stand down.
			delay = hint
		}
		if err := clk.Sleep(ctx, delay); err != nil {
			return Outcome[T]{Err: err, Attempts: attempt}
		}
	}
	return Outcome[T]{Err: last, Attempts: policy.MaxAttempts}
}

// delay computes the wait after the given 1-based attempt.
func (p Policy) delay(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	jitter := backoff * p.JitterFactor * rand.Float64()
	d := time.Duration(backoff + jitter)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.BackoffFactor <= 1 {
		p.BackoffFactor = 2.0
	}
	if p.JitterFactor < 0 || p.JitterFactor > 0.1 {
		p.JitterFactor = 0.1
	}
	return p
}
