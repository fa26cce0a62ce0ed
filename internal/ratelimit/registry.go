package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"abide-backend/internal/clock"
	"abide-backend/internal/observability"
)

// Resource classes with independent limiter instances.
const (
	ClassAPI            = "api"
	ClassCommunityPosts = "community_posts"
	ClassInteractions   = "interactions"
	ClassFollows        = "follows"
	ClassAuthAttempts   = "auth_attempts"
	ClassNotifications  = "notifications"
)

// DefaultPolicies returns the shipped per-class budgets.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassAPI:            {Limit: 100, Window: time.Minute},
		ClassCommunityPosts: {Limit: 15, Window: 24 * time.Hour},
		ClassInteractions:   {Limit: 25, Window: time.Minute},
		ClassFollows:        {Limit: 50, Window: 24 * time.Hour},
		ClassAuthAttempts:   {Limit: 5, Window: 15 * time.Minute},
		ClassNotifications:  {Limit: 60, Window: time.Hour},
	}
}

// Registry holds the limiter instances per resource class.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry builds a registry with one limiter per policy, all
// sharing the given counter store and a common local fallback.
func NewRegistry(policies map[string]Policy, store CounterStore, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	fallback := NewLocalStore()
	limiters := make(map[string]*Limiter, len(policies))
	for name, policy := range policies {
		limiters[name] = NewLimiter(name, policy, store, fallback, clk, logger, metrics)
	}
	return &Registry{limiters: limiters}
}

// Get returns the limiter for a resource class.
func (r *Registry) Get(class string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[class]
	return l, ok
}

// Check runs an admission check against the class's limiter. Unknown
// classes are an error: silently admitting would defeat the budget.
func (r *Registry) Check(ctx context.Context, class, subject string) (Decision, error) {
	l, ok := r.Get(class)
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown resource class %q", class)
	}
	return l.Check(ctx, subject)
}

// UpdatePolicies applies new budgets to existing limiters. Classes not
// present in the update keep their current policy.
func (r *Registry) UpdatePolicies(policies map[string]Policy) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, policy := range policies {
		if l, ok := r.limiters[name]; ok {
			l.SetPolicy(policy)
		}
	}
}
