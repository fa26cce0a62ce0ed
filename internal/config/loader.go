package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from a layered set of sources. Priority,
// lowest to highest: built-in defaults, base.yaml, <environment>.yaml,
// local.yaml (development only), environment variables.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
}

// NewLoader creates a loader rooted at basePath ("config" if empty).
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{basePath: basePath, environment: env}
}

// Load builds and validates the final configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := defaultConfig(l.environment)
	l.sources = []string{"defaults"}

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading local config: %w", err)
		}
	}

	l.loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = l.sources
	cfg.ConfigDir = l.basePath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, ext := range []string{"yaml", "yml"} {
		path := filepath.Join(l.basePath, name+"."+ext)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		l.sources = append(l.sources, path)
		return nil
	}
	return os.ErrNotExist
}

// loadEnvironmentVariables overlays the highest-priority source.
// Secrets in particular arrive this way rather than in files.
func (l *Loader) loadEnvironmentVariables(cfg *Config) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("BADGER_PATH"); val != "" {
		cfg.Badger.Path = val
	}
	if val := os.Getenv("SUPABASE_URL"); val != "" {
		cfg.Supabase.URL = val
	}
	if val := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); val != "" {
		cfg.Supabase.ServiceRoleKey = val
	}
}

// defaultConfig makes the application runnable with no files at all:
// in-memory stores, no remote endpoints.
func defaultConfig(env Environment) *Config {
	return &Config{
		Environment: env,
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		RateLimits: map[string]RateLimitPolicy{
			"api":             {Limit: 100, Window: Duration(time.Minute)},
			"community_posts": {Limit: 15, Window: Duration(24 * time.Hour)},
			"interactions":    {Limit: 25, Window: Duration(time.Minute)},
			"follows":         {Limit: 50, Window: Duration(24 * time.Hour)},
			"auth_attempts":   {Limit: 5, Window: Duration(15 * time.Minute)},
			"notifications":   {Limit: 60, Window: Duration(time.Hour)},
		},
		Cache: CacheConfig{
			JanitorInterval: Duration(time.Minute),
			AsyncPersist:    true,
		},
		Retry: RetryConfig{
			MaxAttempts:   4,
			BaseDelay:     Duration(200 * time.Millisecond),
			MaxDelay:      Duration(10 * time.Second),
			BackoffFactor: 2.0,
			JitterFactor:  0.1,
		},
		Queue: QueueConfig{
			MaxReplays: 3,
		},
		Badger: BadgerConfig{
			InMemory: true,
		},
		Alerts: AlertConfig{
			ErrorRate:      0.1,
			FailureCount:   5,
			ResponseTime:   Duration(3 * time.Second),
			SuccessRateLow: 0.9,
		},
	}
}

// Load loads configuration for the environment named by APP_ENV, from
// the directory named by CONFIG_DIR ("config" if unset).
func Load() (*Config, error) {
	return NewLoader(os.Getenv("CONFIG_DIR"), getEnvironment()).Load()
}
