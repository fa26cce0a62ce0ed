// Package ratelimit implements fixed-window admission control per
// (subject, resource-class) key. Window counters live in a pluggable
// store: Redis when available so limits hold across app instances,
// with an in-process fallback carrying identical window semantics.
//
// Windows reset sharply at their boundary, which permits a burst
// around the boundary. This mirrors the behavior the product shipped
// with; switching to a sliding log would be a deliberate behavior
// change, not a bug fix.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"abide-backend/internal/clock"
	"abide-backend/internal/observability"
)

// Policy is one resource class's admission budget.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the typed result of an admission check. A denial is a
// normal result, not an error; callers must respect RetryAfter.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// CounterStore atomically admits-and-increments a window counter.
// The increment must never be applied for a denied request, so the
// check and the bump have to be a single atomic step on the store.
type CounterStore interface {
	// Incr increments the counter for (key, windowStart) unless it has
	// already reached limit. ttl bounds the counter's remaining life.
	Incr(ctx context.Context, key string, windowStart time.Time, limit int, ttl time.Duration) (count int64, allowed bool, err error)
}

// Limiter enforces one Policy over one CounterStore, degrading to a
// local store when the primary is unreachable.
type Limiter struct {
	name     string
	store    CounterStore
	fallback *LocalStore
	clk      clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu       sync.RWMutex
	policy   Policy
	degraded atomic.Bool
}

// NewLimiter creates a limiter for one resource class. fallback may be
// nil when store is already a LocalStore.
func NewLimiter(name string, policy Policy, store CounterStore, fallback *LocalStore, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Limiter {
	return &Limiter{
		name:     name,
		store:    store,
		fallback: fallback,
		clk:      clk,
		logger:   logger,
		metrics:  metrics,
		policy:   policy,
	}
}

// Check performs one admission check for key.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	l.mu.RLock()
	policy := l.policy
	l.mu.RUnlock()

	now := l.clk.Now()
	windowStart := now.Truncate(policy.Window)
	resetAt := windowStart.Add(policy.Window)
	storeKey := l.name + ":" + key

	count, allowed, err := l.store.Incr(ctx, storeKey, windowStart, policy.Limit, resetAt.Sub(now)+policy.Window)
	if err != nil {
		// Deterministic degradation: count locally with the same
		// window semantics rather than failing open or closed.
		if l.degraded.CompareAndSwap(false, true) {
			l.logger.Warn("rate limit counter store unreachable, degrading to local counting",
				zap.String("limiter", l.name),
				zap.Error(err),
			)
		}
		if l.fallback == nil {
			return Decision{}, err
		}
		count, allowed, err = l.fallback.Incr(ctx, storeKey, windowStart, policy.Limit, 0)
		if err != nil {
			return Decision{}, err
		}
	} else if l.degraded.CompareAndSwap(true, false) {
		l.logger.Info("rate limit counter store recovered", zap.String("limiter", l.name))
	}

	remaining := policy.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		decision.RetryAfter = resetAt.Sub(now)
	}
	l.metrics.RecordRateLimit(l.name, allowed)
	return decision, nil
}

// SetPolicy replaces the limiter's policy; in-flight windows keep
// their counts and are judged against the new limit.
func (l *Limiter) SetPolicy(policy Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = policy
}

// Policy returns the current policy.
func (l *Limiter) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}
