// Package cache implements the two-tier cache in front of remote
// reads: a hot in-process tier with per-category LRU bounds, and a
// durable key-value tier that survives restarts. The hot copy is
// authoritative for TTL freshness; the durable copy is the source of
// truth after a restart.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"abide-backend/internal/clock"
	"abide-backend/internal/kv"
	"abide-backend/internal/observability"
)

const durablePrefix = "cache/"

// durableEntry is the persisted representation of a cache entry.
type durableEntry struct {
	Value     []byte            `json:"value"`
	Category  string            `json:"category"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Options tunes Manager behavior.
type Options struct {
	// AsyncPersist writes durable-tier copies from a goroutine so the
	// hot-path Set returns immediately. Tests disable it.
	AsyncPersist bool
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	HitRate     float64
	MemoryBytes int // approximate: serialized key+value+metadata sizes
}

// Manager owns both cache tiers. All hot-tier mutations happen under
// one mutex; durable-tier I/O never runs with the mutex held.
type Manager struct {
	durable kv.Store
	clk     clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	opts    Options

	mu         sync.Mutex
	hot        *hotTier
	strategies map[string]Strategy
	hits       uint64
	misses     uint64
	evictions  uint64

	persistWG sync.WaitGroup
}

// NewManager creates a cache manager with the given category strategies.
func NewManager(durable kv.Store, strategies map[string]Strategy, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics, opts Options) *Manager {
	owned := make(map[string]Strategy, len(strategies))
	for name, s := range strategies {
		owned[name] = s
	}
	return &Manager{
		durable:    durable,
		clk:        clk,
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
		hot:        newHotTier(),
		strategies: owned,
	}
}

// SetStrategy registers or replaces a category's strategy at runtime.
func (m *Manager) SetStrategy(category string, strategy Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[category] = strategy
}

// UpdateStrategies replaces the strategies present in the map, leaving
// other categories untouched. Used by config hot-reload.
func (m *Manager) UpdateStrategies(strategies map[string]Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range strategies {
		m.strategies[name] = s
	}
}

func (m *Manager) strategyFor(category string) Strategy {
	if s, ok := m.strategies[category]; ok {
		return s
	}
	return Strategy{TTL: 5 * time.Minute, Priority: PriorityLow}
}

// Get returns the cached value for key, reporting whether it was
// found fresh in either tier. A miss is not an error. Keys share one
// namespace across categories; see Set.
func (m *Manager) Get(ctx context.Context, key, category string) ([]byte, bool, error) {
	now := m.clk.Now()

	m.mu.Lock()
	strategy := m.strategyFor(category)
	if e, ok := m.hot.get(key); ok {
		if now.Sub(e.CreatedAt) < strategy.TTL {
			m.hot.touch(key, now)
			m.hits++
			value := e.Value
			m.mu.Unlock()
			m.metrics.RecordCacheAccess(category, "hit")
			return value, true, nil
		}
		m.hot.remove(key)
		m.metrics.RecordCacheEviction(category, "expired")
	}
	m.mu.Unlock()

	// Durable tier. Entries carry their original CreatedAt so a
	// promoted copy does not get a fresh TTL.
	raw, err := m.durable.Get(ctx, durableKey(category, key))
	if err != nil {
		if err != kv.ErrNotFound {
			m.logger.Warn("durable cache read failed", zap.String("key", key), zap.Error(err))
		}
		m.recordMiss(category)
		return nil, false, nil
	}

	var de durableEntry
	if err := json.Unmarshal(raw, &de); err != nil {
		m.logger.Warn("corrupt durable cache entry, dropping", zap.String("key", key), zap.Error(err))
		_ = m.durable.Delete(ctx, durableKey(category, key))
		m.recordMiss(category)
		return nil, false, nil
	}
	if now.Sub(de.CreatedAt) >= strategy.TTL {
		m.recordMiss(category)
		return nil, false, nil
	}

	m.mu.Lock()
	m.hot.put(&entry{
		Key:            key,
		Value:          de.Value,
		Category:       category,
		Metadata:       de.Metadata,
		CreatedAt:      de.CreatedAt,
		LastAccessedAt: now,
		AccessCount:    1,
	})
	m.enforceMaxSizeLocked(category, strategy)
	m.hits++
	m.mu.Unlock()

	m.metrics.RecordCacheAccess(category, "promoted")
	return de.Value, true, nil
}

// GetOrSet returns the cached value, or produces it via fallback and
// caches the result. Fallback errors propagate unmasked.
func (m *Manager) GetOrSet(ctx context.Context, key, category string, fallback func(context.Context) ([]byte, error)) ([]byte, error) {
	value, found, err := m.Get(ctx, key, category)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}
	if fallback == nil {
		return nil, nil
	}

	value, err = fallback(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Set(ctx, key, value, category, nil); err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value into the hot tier and persists it to the durable
// tier, then cascades invalidation into dependent categories.
//
// Keys are global, not scoped per category: the category selects the
// TTL and eviction strategy, and writing the same key under a second
// category replaces the first entry. Callers embed the domain in the
// key itself ("community_feed:user:<id>") to keep keys unique.
func (m *Manager) Set(ctx context.Context, key string, value []byte, category string, metadata map[string]string) error {
	now := m.clk.Now()

	m.mu.Lock()
	strategy := m.strategyFor(category)
	m.hot.put(&entry{
		Key:            key,
		Value:          value,
		Category:       category,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
	})
	m.enforceMaxSizeLocked(category, strategy)
	m.mu.Unlock()

	raw, err := json.Marshal(durableEntry{
		Value:     value,
		Category:  category,
		Metadata:  metadata,
		CreatedAt: now,
	})
	if err != nil {
		return err
	}

	persist := func() {
		if err := m.durable.Set(ctx, durableKey(category, key), raw, strategy.TTL); err != nil {
			m.logger.Warn("durable cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	if m.opts.AsyncPersist {
		m.persistWG.Add(1)
		go func() {
			defer m.persistWG.Done()
			persist()
		}()
	} else {
		persist()
	}

	for _, pattern := range strategy.InvalidationPatterns {
		if _, err := m.invalidate(ctx, pattern, key); err != nil {
			m.logger.Warn("cascade invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		}
	}
	return nil
}

// Invalidate removes every cached key containing pattern from both
// tiers. Substring semantics are intentional; this is a coarse tool.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	return m.invalidate(ctx, pattern, "")
}

func (m *Manager) invalidate(ctx context.Context, pattern, skipKey string) (int, error) {
	removed := 0

	m.mu.Lock()
	for _, key := range m.hot.keys() {
		if key == skipKey || !strings.Contains(key, pattern) {
			continue
		}
		if e, ok := m.hot.get(key); ok {
			m.metrics.RecordCacheEviction(e.Category, "invalidated")
		}
		m.hot.remove(key)
		removed++
	}
	m.mu.Unlock()

	durableKeys, err := m.durable.List(ctx, durablePrefix)
	if err != nil {
		return removed, err
	}
	for _, dk := range durableKeys {
		_, logical, ok := splitDurableKey(dk)
		if !ok || logical == skipKey || !strings.Contains(logical, pattern) {
			continue
		}
		if err := m.durable.Delete(ctx, dk); err != nil {
			m.logger.Warn("durable cache invalidation failed", zap.String("key", dk), zap.Error(err))
		}
	}
	return removed, nil
}

// InvalidateCategory removes every entry of one category from both tiers.
func (m *Manager) InvalidateCategory(ctx context.Context, category string) (int, error) {
	removed := 0

	m.mu.Lock()
	for _, e := range m.hot.entries() {
		if e.Category != category {
			continue
		}
		m.hot.remove(e.Key)
		m.metrics.RecordCacheEviction(category, "invalidated")
		removed++
	}
	m.mu.Unlock()

	durableKeys, err := m.durable.List(ctx, durablePrefix+category+"/")
	if err != nil {
		return removed, err
	}
	for _, dk := range durableKeys {
		if err := m.durable.Delete(ctx, dk); err != nil {
			m.logger.Warn("durable cache invalidation failed", zap.String("key", dk), zap.Error(err))
		}
	}
	return removed, nil
}

// CascadeInvalidate drops a category and every pattern its strategy
// names as dependent. Used after writes that bypass the cache and go
// straight to the remote store.
func (m *Manager) CascadeInvalidate(ctx context.Context, category string) error {
	if _, err := m.InvalidateCategory(ctx, category); err != nil {
		return err
	}
	m.mu.Lock()
	strategy := m.strategyFor(category)
	m.mu.Unlock()
	for _, pattern := range strategy.InvalidationPatterns {
		if _, err := m.invalidate(ctx, pattern, ""); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns cumulative effectiveness counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Entries:   len(m.hot.elements),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total)
	}
	for _, e := range m.hot.entries() {
		stats.MemoryBytes += e.approxSize()
	}
	return stats
}

// RunJanitor purges expired hot-tier entries on a fixed interval until
// the context ends, independent of access patterns.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(interval):
			m.purgeExpired()
		}
	}
}

func (m *Manager) purgeExpired() {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.hot.entries() {
		if now.Sub(e.CreatedAt) >= m.strategyFor(e.Category).TTL {
			m.hot.remove(e.Key)
			m.metrics.RecordCacheEviction(e.Category, "expired")
		}
	}
}

// Flush waits for outstanding async durable writes. Call on shutdown.
func (m *Manager) Flush() {
	m.persistWG.Wait()
}

// enforceMaxSizeLocked evicts least-recently-accessed entries while
// the category exceeds its bound. Eviction only touches the hot tier;
// the durable copy stays available for later promotion.
func (m *Manager) enforceMaxSizeLocked(category string, strategy Strategy) {
	if strategy.MaxSize <= 0 {
		return
	}
	for m.hot.categoryLen(category) > strategy.MaxSize {
		if e := m.hot.evictLRU(category); e != nil {
			m.evictions++
			m.metrics.RecordCacheEviction(category, "lru")
		} else {
			return
		}
	}
}

func (m *Manager) recordMiss(category string) {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	m.metrics.RecordCacheAccess(category, "miss")
}

func durableKey(category, key string) string {
	return durablePrefix + category + "/" + key
}

// splitDurableKey recovers (category, logical key) from a durable key.
func splitDurableKey(dk string) (string, string, bool) {
	rest, ok := strings.CutPrefix(dk, durablePrefix)
	if !ok {
		return "", "", false
	}
	category, logical, ok := strings.Cut(rest, "/")
	if !ok {
		return "", "", false
	}
	return category, logical, true
}
