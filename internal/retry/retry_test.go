package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"abide-backend/internal/apperrors"
	"abide-backend/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pump advances the fake clock whenever Do is parked in a backoff wait,
// letting retried operations run to completion without real sleeps.
func pump(t *testing.T, fc *clock.Fake, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if fc.PendingWaiters() > 0 {
				fc.Advance(time.Minute)
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func runDo[T any](t *testing.T, fc *clock.Fake, policy Policy, op func(context.Context) (T, error)) Outcome[T] {
	t.Helper()
	stop := make(chan struct{})
	defer close(stop)
	pump(t, fc, stop)

	done := make(chan Outcome[T], 1)
	go func() {
		done <- Do(context.Background(), fc, policy, op)
	}()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not finish")
		return Outcome[T]{}
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	out := runDo(t, fc, NetworkPolicy(), func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, out.Err)
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, 1, out.Attempts)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	calls := 0
	out := runDo(t, fc, Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, BackoffFactor: 2}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", apperrors.Server("op", 503, errors.New("unavailable"))
		}
		return "ok", nil
	})
	require.NoError(t, out.Err)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	calls := 0
	out := runDo(t, fc, NetworkPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, apperrors.Client("op", 404, errors.New("gone"))
	})
	require.Error(t, out.Err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, apperrors.KindClient, apperrors.KindOf(out.Err))
}

func TestDoExhaustsAttempts(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	calls := 0
	out := runDo(t, fc, Policy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, apperrors.Network("op", errors.New("reset"))
	})
	require.Error(t, out.Err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, out.Attempts)
}

func TestDoOnRetryHookFiresPerWait(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	var hooks []int
	policy := Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		OnRetry:     func(attempt int, err error) { hooks = append(hooks, attempt) },
	}
	out := runDo(t, fc, policy, func(context.Context) (int, error) {
		return 0, apperrors.Network("op", errors.New("reset"))
	})
	require.Error(t, out.Err)
	assert.Equal(t, []int{2, 3}, hooks)
}

func TestDoContextCancelledBetweenAttempts(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome[int], 1)
	go func() {
		done <- Do(ctx, fc, Policy{MaxAttempts: 5, BaseDelay: time.Minute}, func(context.Context) (int, error) {
			return 0, apperrors.Network("op", errors.New("reset"))
		})
	}()

	// Let the first attempt fail and park in the backoff wait, then
	// abandon the operation. The pending timer must be released.
	for fc.PendingWaiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case out := <-done:
		assert.ErrorIs(t, out.Err, context.Canceled)
		assert.Equal(t, 1, out.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not unblock retry")
	}
}

func TestDelayMonotonicAndCapped(t *testing.T) {
	policy := Policy{
		MaxAttempts:   8,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0, // deterministic for this test
	}.normalized()

	var prev time.Duration
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		d := policy.delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink")
		assert.LessOrEqual(t, d, policy.MaxDelay)
		prev = d
	}
	assert.Equal(t, 2*time.Second, policy.delay(7), "late attempts hit the cap")
}

func TestDelayJitterBounded(t *testing.T) {
	policy := Policy{
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}.normalized()

	for i := 0; i < 100; i++ {
		d := policy.delay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond, "jitter stays within 10%% of the exponential term")
	}
}

func TestDoWidensDelayWithRetryAfterHint(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	calls := 0
	var firstWait time.Duration

	done := make(chan Outcome[int], 1)
	go func() {
		done <- Do(context.Background(), fc, Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, JitterFactor: 0.0001}, func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, &apperrors.Error{Kind: apperrors.KindServer, Op: "op", Status: 429, RetryAfter: 30 * time.Second}
			}
			return 7, nil
		})
	}()

	for fc.PendingWaiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	// A small advance must not release the wait: the 429 hint widened it.
	fc.Advance(time.Second)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, fc.PendingWaiters(), "hinted delay should outlast the base backoff")
	firstWait = 30 * time.Second
	fc.Advance(firstWait)

	select {
	case out := <-done:
		require.NoError(t, out.Err)
		assert.Equal(t, 7, out.Value)
		assert.Equal(t, 2, out.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not finish")
	}
}
