// Package config loads and validates the application configuration
// from YAML files with environment-variable overrides, and hot-reloads
// rate-limit and cache policy changes at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration accepts "200ms" and "24h" style values in YAML files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

func getEnvironment() Environment {
	switch os.Getenv("APP_ENV") {
	case "production":
		return Production
	case "staging":
		return Staging
	default:
		return Development
	}
}

// Config is the full application configuration.
type Config struct {
	Environment Environment `yaml:"-"`

	Logging    Logging                    `yaml:"logging"`
	RateLimits map[string]RateLimitPolicy `yaml:"rate_limits" validate:"dive"`
	Cache      CacheConfig                `yaml:"cache"`
	Retry      RetryConfig                `yaml:"retry"`
	Queue      QueueConfig                `yaml:"queue"`
	Redis      RedisConfig                `yaml:"redis"`
	Badger     BadgerConfig               `yaml:"badger"`
	Supabase   SupabaseConfig             `yaml:"supabase"`
	Alerts     AlertConfig                `yaml:"alerts"`

	// LoadedFrom records the sources that contributed, for startup logs.
	LoadedFrom []string `yaml:"-"`

	// ConfigDir is the directory the loader read from, so reloads hit
	// the same files.
	ConfigDir string `yaml:"-"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// RateLimitPolicy is one resource class's fixed-window quota.
type RateLimitPolicy struct {
	Limit  int      `yaml:"limit" validate:"gt=0"`
	Window Duration `yaml:"window" validate:"gt=0"`
}

// CacheStrategy mirrors cache.Strategy for the config file.
type CacheStrategy struct {
	TTL         Duration `yaml:"ttl" validate:"gt=0"`
	MaxSize     int      `yaml:"max_size" validate:"gte=0"`
	Priority    string   `yaml:"priority" validate:"omitempty,oneof=low medium high"`
	Invalidates []string `yaml:"invalidates"`
}

// CacheConfig configures the cache manager.
type CacheConfig struct {
	Strategies      map[string]CacheStrategy `yaml:"strategies" validate:"dive"`
	JanitorInterval Duration                 `yaml:"janitor_interval" validate:"gt=0"`
	AsyncPersist    bool                     `yaml:"async_persist"`
}

// RetryConfig overrides the write retry policy.
type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelay     Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay      Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffFactor float64  `yaml:"backoff_factor" validate:"gte=1"`
	JitterFactor  float64  `yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// QueueConfig configures offline sync.
type QueueConfig struct {
	MaxReplays int `yaml:"max_replays" validate:"gte=1"`
}

// RedisConfig configures the shared rate-limit counter store. Leave
// Addr empty to run on the in-process fallback only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// BadgerConfig configures the durable key-value store.
type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// SupabaseConfig configures the hosted relational store.
type SupabaseConfig struct {
	URL            string `yaml:"url" validate:"omitempty,url"`
	ServiceRoleKey string `yaml:"service_role_key"`
}

// AlertConfig holds the alerting thresholds.
type AlertConfig struct {
	ErrorRate      float64  `yaml:"error_rate" validate:"gte=0,lte=1"`
	FailureCount   int      `yaml:"failure_count" validate:"gte=1"`
	ResponseTime   Duration `yaml:"response_time" validate:"gt=0"`
	SuccessRateLow float64  `yaml:"success_rate_low" validate:"gte=0,lte=1"`
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Badger.InMemory && c.Badger.Path == "" {
		return fmt.Errorf("invalid configuration: badger.path required unless badger.in_memory")
	}
	if c.Supabase.URL != "" && c.Supabase.ServiceRoleKey == "" {
		return fmt.Errorf("invalid configuration: supabase.service_role_key required when supabase.url is set")
	}
	return nil
}
