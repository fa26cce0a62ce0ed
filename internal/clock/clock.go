// Package clock abstracts time so that TTL math, retry delays, and
// background loops can be driven by a fake clock in tests.
package clock

import (
	"context"
	"time"
)

// Clock provides the current time and cancellable waits.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for the given duration or until the context is
	// cancelled, in which case it returns the context error.
	Sleep(ctx context.Context, d time.Duration) error

	// After returns a channel that receives the current time once the
	// duration has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// NewReal returns a Clock backed by the system clock.
func NewReal() Real {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
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

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
