// Package app wires the application together. The container owns every
// process-scoped component explicitly; nothing hangs off package-level
// globals, so tests can build as many isolated instances as they like.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"abide-backend/internal/cache"
	"abide-backend/internal/clock"
	"abide-backend/internal/community"
	"abide-backend/internal/config"
	"abide-backend/internal/connectivity"
	"abide-backend/internal/kv"
	"abide-backend/internal/notify"
	"abide-backend/internal/observability"
	"abide-backend/internal/offline"
	"abide-backend/internal/ratelimit"
	"abide-backend/internal/remote"
	"abide-backend/internal/retry"
)

// Container holds the wired application.
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	Clock    clock.Clock
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Alerts   *observability.AlertMonitor

	KV           kv.Store
	Cache        *cache.Manager
	Limits       *ratelimit.Registry
	Remote       remote.Store
	Connectivity *connectivity.Monitor
	Queue        *offline.Queue
	Coordinator  *offline.Coordinator
	Notifier     *notify.Notifier
	Community    *community.Service

	badger  *kv.BadgerStore // nil when KV is not badger-backed
	watcher *config.Watcher

	mu            sync.Mutex
	shutdownFuncs []func() error
	started       bool
}

// NewLogger builds the zap logger described by the config.
func NewLogger(cfg config.Logging) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// New builds the full dependency graph from configuration. Components
// are constructed in dependency order and torn down in reverse.
func New(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: logger,
		Clock:  clock.NewReal(),
	}

	c.Registry = prometheus.NewRegistry()
	c.Metrics = observability.NewMetrics(c.Registry)
	c.Alerts = observability.NewAlertMonitor(c.Clock, logger, observability.Thresholds{
		ErrorRate:      cfg.Alerts.ErrorRate,
		FailureCount:   cfg.Alerts.FailureCount,
		ResponseTime:   cfg.Alerts.ResponseTime.Std(),
		SuccessRateLow: cfg.Alerts.SuccessRateLow,
	}, 0)

	if err := c.buildKV(); err != nil {
		return nil, err
	}
	c.buildCache()
	if err := c.buildRateLimits(); err != nil {
		c.Shutdown()
		return nil, err
	}
	if err := c.buildRemote(); err != nil {
		c.Shutdown()
		return nil, err
	}

	c.Connectivity = connectivity.NewMonitor(true)
	c.Queue = offline.NewQueue(c.KV, c.Clock, logger, c.Metrics)
	c.Coordinator = offline.NewCoordinator(
		c.Queue, c.Remote, c.Limits, c.Connectivity, c.Clock, logger, c.Metrics, c.writePolicy(),
		cfg.Queue.MaxReplays)
	c.Notifier = notify.NewNotifier(
		&notify.HTTPTransport{}, c.Limits, c.Clock, logger, c.Metrics, nil)
	c.Community = community.NewService(
		c.Remote, c.Cache, c.Limits, c.Queue, c.Connectivity, c.Clock, logger, c.Metrics)

	return c, nil
}

func (c *Container) buildKV() error {
	store, err := kv.OpenBadger(kv.BadgerConfig{
		Path:       c.Config.Badger.Path,
		InMemory:   c.Config.Badger.InMemory,
		SyncWrites: !c.Config.Badger.InMemory,
	}, c.Logger)
	if err != nil {
		return fmt.Errorf("opening badger at %q: %w", c.Config.Badger.Path, err)
	}
	c.badger = store
	c.KV = store
	c.addShutdown(store.Close)
	return nil
}

func (c *Container) buildCache() {
	strategies := cache.DefaultStrategies()
	for name, s := range configStrategies(c.Config.Cache.Strategies) {
		strategies[name] = s
	}
	c.Cache = cache.NewManager(c.KV, strategies, c.Clock, c.Logger, c.Metrics, cache.Options{
		AsyncPersist: c.Config.Cache.AsyncPersist,
	})
	c.addShutdown(func() error {
		c.Cache.Flush()
		return nil
	})
}

func (c *Container) buildRateLimits() error {
	fallback := ratelimit.NewLocalStore()
	var store ratelimit.CounterStore = fallback

	if addr := c.Config.Redis.Addr; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: c.Config.Redis.Password,
			DB:       c.Config.Redis.DB,
		})
		c.addShutdown(client.Close)
		store = ratelimit.NewRedisStore(client, "")
	}

	c.Limits = ratelimit.NewRegistry(
		configPolicies(c.Config.RateLimits), store, c.Clock, c.Logger, c.Metrics)
	return nil
}

// buildRemote connects the hosted store when configured, and falls back
// to an in-memory store so development runs need no credentials.
func (c *Container) buildRemote() error {
	if c.Config.Supabase.URL == "" {
		c.Logger.Warn("no supabase url configured, using in-memory remote store")
		c.Remote = remote.NewFakeStore()
		return nil
	}
	store, err := remote.NewSupabaseStore(remote.SupabaseConfig{
		URL:            c.Config.Supabase.URL,
		ServiceRoleKey: c.Config.Supabase.ServiceRoleKey,
	}, c.Clock, c.Logger, c.Metrics, c.Alerts)
	if err != nil {
		return fmt.Errorf("connecting supabase: %w", err)
	}
	c.Remote = store
	return nil
}

func (c *Container) writePolicy() retry.Policy {
	r := c.Config.Retry
	return retry.Policy{
		MaxAttempts:   r.MaxAttempts,
		BaseDelay:     r.BaseDelay.Std(),
		MaxDelay:      r.MaxDelay.Std(),
		BackoffFactor: r.BackoffFactor,
		JitterFactor:  r.JitterFactor,
	}
}

// Start launches the background loops: cache janitor, offline sync,
// badger value-log GC, and config hot reload. It returns immediately.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("container already started")
	}
	c.started = true

	go c.Cache.RunJanitor(ctx, c.Config.Cache.JanitorInterval.Std())
	go c.Coordinator.Run(ctx)
	if c.badger != nil && !c.Config.Badger.InMemory {
		go c.badger.RunGC(ctx, 5*time.Minute)
	}

	if err := c.startConfigWatcher(); err != nil {
		// Hot reload is a convenience, not a requirement.
		c.Logger.Warn("config hot reload unavailable", zap.Error(err))
	}

	c.Logger.Info("application started",
		zap.String("environment", string(c.Config.Environment)),
		zap.Strings("configSources", c.Config.LoadedFrom),
	)
	return nil
}

func (c *Container) startConfigWatcher() error {
	loader := config.NewLoader(c.Config.ConfigDir, c.Config.Environment)
	watcher, err := config.NewWatcher(loader, c.Config, c.Logger)
	if err != nil {
		return err
	}
	watcher.OnChange(func(cfg *config.Config) {
		c.Limits.UpdatePolicies(configPolicies(cfg.RateLimits))
		c.Cache.UpdateStrategies(configStrategies(cfg.Cache.Strategies))
		c.Logger.Info("applied configuration changes",
			zap.Int("rateLimitClasses", len(cfg.RateLimits)),
			zap.Int("cacheStrategies", len(cfg.Cache.Strategies)),
		)
	})
	c.watcher = watcher
	c.addShutdown(func() error {
		watcher.Stop()
		return nil
	})
	return nil
}

func (c *Container) addShutdown(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownFuncs = append(c.shutdownFuncs, fn)
}

// Shutdown tears components down in reverse construction order.
func (c *Container) Shutdown() error {
	c.mu.Lock()
	funcs := c.shutdownFuncs
	c.shutdownFuncs = nil
	c.mu.Unlock()

	var firstErr error
	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("shutdown: %w", firstErr)
	}
	return nil
}

func configPolicies(in map[string]config.RateLimitPolicy) map[string]ratelimit.Policy {
	out := make(map[string]ratelimit.Policy, len(in))
	for name, p := range in {
		out[name] = ratelimit.Policy{Limit: p.Limit, Window: p.Window.Std()}
	}
	return out
}

func configStrategies(in map[string]config.CacheStrategy) map[string]cache.Strategy {
	out := make(map[string]cache.Strategy, len(in))
	for name, s := range in {
		out[name] = cache.Strategy{
			TTL:                  s.TTL.Std(),
			MaxSize:              s.MaxSize,
			Priority:             cache.Priority(s.Priority),
			InvalidationPatterns: s.Invalidates,
		}
	}
	return out
}
