package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalStore is the in-process CounterStore. It keeps one counter per
// key and replaces it in place when the window rolls over, so idle
// keys never accumulate stale windows. The admit-and-increment step is
// a single critical section with no suspension point inside it.
type LocalStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
}

type windowCounter struct {
	windowStart time.Time
	count       int64
}

// NewLocalStore creates an empty local counter store.
func NewLocalStore() *LocalStore {
	return &LocalStore{counters: make(map[string]*windowCounter)}
}

func (s *LocalStore) Incr(ctx context.Context, key string, windowStart time.Time, limit int, _ time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !c.windowStart.Equal(windowStart) {
		c = &windowCounter{windowStart: windowStart}
		s.counters[key] = c
	}
	if c.count >= int64(limit) {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

// Reset clears the counter for a key. Used by tests and admin paths.
func (s *LocalStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
}
