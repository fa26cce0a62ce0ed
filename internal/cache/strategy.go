package cache

import "time"

// Priority ranks a category for operators reading stats; it does not
// change eviction order within a category.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Strategy is one category's caching policy, registered at startup and
// replaceable at runtime through Manager.SetStrategy.
type Strategy struct {
	TTL      time.Duration
	MaxSize  int // live hot-tier entries per category; 0 means unbounded
	Priority Priority

	// InvalidationPatterns cascade: writing into this category
	// invalidates every cached key containing one of these substrings.
	InvalidationPatterns []string
}

// DefaultStrategies returns the shipped per-category policies.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		"user_profile": {
			TTL:      10 * time.Minute,
			MaxSize:  500,
			Priority: PriorityHigh,
		},
		"community_posts": {
			TTL:                  2 * time.Minute,
			MaxSize:              200,
			Priority:             PriorityHigh,
			InvalidationPatterns: []string{"trending_posts", "community_feed"},
		},
		"community_feed": {
			TTL:      time.Minute,
			MaxSize:  50,
			Priority: PriorityMedium,
		},
		"trending_posts": {
			TTL:      5 * time.Minute,
			MaxSize:  20,
			Priority: PriorityLow,
		},
		"follows": {
			TTL:      15 * time.Minute,
			MaxSize:  1000,
			Priority: PriorityMedium,
		},
		"verse_of_day": {
			TTL:      12 * time.Hour,
			MaxSize:  5,
			Priority: PriorityLow,
		},
	}
}
