// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/statcache/internal/statcache"
)

// EnvPrefix prefixes every environment override, e.g. STATCACHE_CACHE_TTL_MINUTES.
const EnvPrefix = "STATCACHE"

// Config captures all service configuration knobs loaded via Viper.
// It is treated as immutable once Load returns.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig gates the debug endpoints behind an API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig controls the local keyspace and acquisition mode.
type CacheConfig struct {
	LiveFetchEnabled bool     `mapstructure:"live_fetch_enabled"`
	CacheOnly        bool     `mapstructure:"cache_only"`
	TTLMinutes       int      `mapstructure:"ttl_minutes"`
	Dir              string   `mapstructure:"dir"`
	FileName         string   `mapstructure:"file_name"`
	Backend          string   `mapstructure:"backend"`
	WarmKeys         []string `mapstructure:"warm_keys"`
	WarmParallelism  int      `mapstructure:"warm_parallelism"`
}

// RemoteConfig locates published snapshots.
type RemoteConfig struct {
	SnapshotURL    string `mapstructure:"snapshot_url"`
	BundledPath    string `mapstructure:"bundled_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// FetchConfig configures live acquisition.
type FetchConfig struct {
	BrowserEnabled        bool    `mapstructure:"browser_enabled"`
	PoolSize              int     `mapstructure:"pool_size"`
	AttemptTimeoutSeconds int     `mapstructure:"attempt_timeout_seconds"`
	BaseURL               string  `mapstructure:"base_url"`
	UserAgent             string  `mapstructure:"user_agent"`
	MobileUserAgent       bool    `mapstructure:"mobile_user_agent"`
	ChromePath            string  `mapstructure:"chrome_path"`
	DomainQPS             float64 `mapstructure:"domain_qps"`
	DomainBurst           int     `mapstructure:"domain_burst"`
	StaticFallback        bool    `mapstructure:"static_fallback"`
	FillDetail            bool    `mapstructure:"fill_detail"`
}

// RetryConfig bounds retries of transient fetch failures.
type RetryConfig struct {
	Attempts      int `mapstructure:"attempts"`
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs  int `mapstructure:"backoff_max_ms"`
}

// DBConfig controls the refresh audit database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for refresh notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogSpans    bool    `mapstructure:"log_spans"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key needs a default so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cache.live_fetch_enabled", true)
	v.SetDefault("cache.cache_only", false)
	v.SetDefault("cache.ttl_minutes", statcache.DefaultTTLMinutes)
	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("cache.file_name", "statiz_cache.json")
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.warm_keys", []string{})
	v.SetDefault("cache.warm_parallelism", 2)
	v.SetDefault("remote.snapshot_url", "")
	v.SetDefault("remote.bundled_path", "")
	v.SetDefault("remote.timeout_seconds", 12)
	v.SetDefault("fetch.browser_enabled", true)
	v.SetDefault("fetch.pool_size", 2)
	v.SetDefault("fetch.attempt_timeout_seconds", 30)
	v.SetDefault("fetch.base_url", "https://statiz.sporki.com/prediction/")
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.mobile_user_agent", false)
	v.SetDefault("fetch.chrome_path", "")
	v.SetDefault("fetch.domain_qps", 1.0)
	v.SetDefault("fetch.domain_burst", 2)
	v.SetDefault("fetch.static_fallback", true)
	v.SetDefault("fetch.fill_detail", true)
	v.SetDefault("retry.attempts", 2)
	v.SetDefault("retry.backoff_base_ms", 500)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "cache_refreshes")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "statcache")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.log_spans", false)
}

func defaultCacheDir() string {
	if info, err := os.Stat("/data"); err == nil && info.IsDir() {
		return "/data"
	}
	return "."
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cache.TTLMinutes <= 0 {
		return fmt.Errorf("cache.ttl_minutes must be > 0")
	}
	switch c.Cache.Backend {
	case "file":
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir must be set for the file backend")
		}
	case "memory":
	default:
		return fmt.Errorf("cache.backend must be file or memory, got %q", c.Cache.Backend)
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be > 0")
	}
	if c.Mode() == statcache.ModeLive {
		if c.Fetch.BrowserEnabled && c.Fetch.PoolSize <= 0 {
			return fmt.Errorf("fetch.pool_size must be > 0 when the browser is enabled")
		}
		if !c.Fetch.BrowserEnabled && !c.Fetch.StaticFallback {
			return fmt.Errorf("fetch.static_fallback must be enabled when the browser is disabled")
		}
		if c.Fetch.AttemptTimeoutSeconds <= 0 {
			return fmt.Errorf("fetch.attempt_timeout_seconds must be > 0")
		}
		if c.Fetch.BaseURL == "" {
			return fmt.Errorf("fetch.base_url must be set in live mode")
		}
	}
	if c.Fetch.DomainQPS < 0 {
		return fmt.Errorf("fetch.domain_qps must be >= 0")
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must be >= 0")
	}
	if c.Retry.BackoffBaseMs <= 0 {
		return fmt.Errorf("retry.backoff_base_ms must be > 0")
	}
	if c.Retry.BackoffMaxMs < c.Retry.BackoffBaseMs {
		return fmt.Errorf("retry.backoff_max_ms must be >= retry.backoff_base_ms")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Mode derives the acquisition mode: live only when live fetching is
// enabled and cache-only is off.
func (c Config) Mode() statcache.Mode {
	if c.Cache.LiveFetchEnabled && !c.Cache.CacheOnly {
		return statcache.ModeLive
	}
	return statcache.ModeCacheOnly
}

// SnapshotURLs lists the configured snapshot locations in lookup order.
func (c Config) SnapshotURLs() []string {
	var urls []string
	if c.Remote.SnapshotURL != "" {
		urls = append(urls, c.Remote.SnapshotURL)
	}
	if c.Remote.BundledPath != "" {
		urls = append(urls, c.Remote.BundledPath)
	}
	return urls
}

// RemoteTimeout is the bound on one snapshot fetch.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// AttemptTimeout is the bound on one fetch attempt.
func (c Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Fetch.AttemptTimeoutSeconds) * time.Second
}

// BackoffBase is the delay before the first retry.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// RequestTimeout bounds one API request, including any refresh it waits on.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
