// Package config loads and validates the coordination core's
// configuration from file and environment, following the teacher's
// viper-based internal/config conventions.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration struct, composed of per-subsystem
// sections mirroring the teacher's Config composition.
type Config struct {
	App      AppConfig      `mapstructure:"app" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Session  SessionConfig  `mapstructure:"session" validate:"required"`
	Agent    AgentConfig    `mapstructure:"agent" validate:"required"`
	Rollback RollbackConfig `mapstructure:"rollback" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Name                    string        `mapstructure:"name" validate:"required"`
	Environment             string        `mapstructure:"environment" validate:"required,oneof=development staging production"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout" validate:"required"`
}

// RedisConfig describes the Redis connection used by KVFacade/ConnPool.
type RedisConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db" validate:"gte=0"`
	PoolSize        int           `mapstructure:"pool_size" validate:"gt=0"`
	MinIdleConns    int           `mapstructure:"min_idle_conns" validate:"gte=0"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"required"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"required"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout" validate:"required"`

	CircuitBreakerEnabled         bool          `mapstructure:"circuit_breaker_enabled"`
	CircuitBreakerFailureRatio    float64       `mapstructure:"circuit_breaker_failure_ratio" validate:"gte=0,lte=1"`
	CircuitBreakerWindow          time.Duration `mapstructure:"circuit_breaker_window"`
	CircuitBreakerMinRequests     uint32        `mapstructure:"circuit_breaker_min_requests"`
	CircuitBreakerOpenTimeout     time.Duration `mapstructure:"circuit_breaker_open_timeout"`
	CircuitBreakerHalfOpenMax     uint32        `mapstructure:"circuit_breaker_half_open_max"`
}

// SessionConfig tunes session TTLs, the LRU read cache and pub/sub.
type SessionConfig struct {
	DefaultTTL       time.Duration `mapstructure:"default_ttl" validate:"required"`
	MaxTTL           time.Duration `mapstructure:"max_ttl" validate:"required"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" validate:"required"`
	CacheSize        int           `mapstructure:"cache_size" validate:"gt=0"`
	EventBufferSize  int           `mapstructure:"event_buffer_size" validate:"gt=0"`
	StatsSampleLimit int           `mapstructure:"stats_sample_limit" validate:"gt=0"`
}

// AgentConfig tunes the agent coordinator.
type AgentConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" validate:"required"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout" validate:"required"`
	DefaultStrategy    string        `mapstructure:"default_strategy" validate:"required,oneof=round_robin least_loaded priority_based capability_weighted dynamic"`
	MaxTaskRetries     int           `mapstructure:"max_task_retries" validate:"gte=0"`
	SchedulerInterval  time.Duration `mapstructure:"scheduler_interval" validate:"required"`
}

// RollbackConfig tunes snapshotting and rollback execution.
type RollbackConfig struct {
	MaxSnapshotsPerSession int           `mapstructure:"max_snapshots_per_session" validate:"gt=0"`
	DefaultStrategy        string        `mapstructure:"default_strategy" validate:"required,oneof=immediate gradual safe force partial time_based dry_run"`
	GradualBatchSize       int           `mapstructure:"gradual_batch_size" validate:"gt=0"`
	GradualBatchInterval   time.Duration `mapstructure:"gradual_batch_interval" validate:"required"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" validate:"required"`
	Path      string `mapstructure:"path" validate:"required"`
	Addr      string `mapstructure:"addr" validate:"required"`
}

// LogConfig mirrors internal/logging.Config for mapstructure binding.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"required,oneof=json text"`
	Output     string `mapstructure:"output" validate:"required,oneof=stdout stderr file"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var validate = validator.New()

// Load reads configuration from configPath (if non-empty) layered under
// environment variables and built-in defaults, then validates the result.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.name", "sessioncore")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.graceful_shutdown_timeout", "30s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 20)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "1s")
	viper.SetDefault("redis.acquire_timeout", "2s")
	viper.SetDefault("redis.circuit_breaker_enabled", true)
	viper.SetDefault("redis.circuit_breaker_failure_ratio", 0.5)
	viper.SetDefault("redis.circuit_breaker_window", "30s")
	viper.SetDefault("redis.circuit_breaker_min_requests", 10)
	viper.SetDefault("redis.circuit_breaker_open_timeout", "10s")
	viper.SetDefault("redis.circuit_breaker_half_open_max", 3)

	viper.SetDefault("session.default_ttl", "24h")
	viper.SetDefault("session.max_ttl", "168h")
	viper.SetDefault("session.cleanup_interval", "5m")
	viper.SetDefault("session.cache_size", 1024)
	viper.SetDefault("session.event_buffer_size", 1000)
	viper.SetDefault("session.stats_sample_limit", 100)

	viper.SetDefault("agent.heartbeat_interval", "5s")
	viper.SetDefault("agent.heartbeat_timeout", "20s")
	viper.SetDefault("agent.default_strategy", "least_loaded")
	viper.SetDefault("agent.max_task_retries", 3)
	viper.SetDefault("agent.scheduler_interval", "1s")

	viper.SetDefault("rollback.max_snapshots_per_session", 50)
	viper.SetDefault("rollback.default_strategy", "safe")
	viper.SetDefault("rollback.gradual_batch_size", 10)
	viper.SetDefault("rollback.gradual_batch_interval", "500ms")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.namespace", "sessioncore")
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.addr", ":9090")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 28)
	viper.SetDefault("log.compress", true)
}

// Validate runs struct-tag validation plus cross-field rules that
// go-playground/validator cannot express declaratively.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Redis.MinRetryBackoff > 0 && c.Redis.MaxRetryBackoff > 0 &&
		c.Redis.MinRetryBackoff > c.Redis.MaxRetryBackoff {
		return fmt.Errorf("redis.min_retry_backoff must not exceed redis.max_retry_backoff")
	}

	if c.Session.DefaultTTL > c.Session.MaxTTL {
		return fmt.Errorf("session.default_ttl must not exceed session.max_ttl")
	}

	return nil
}

func (c *Config) IsProduction() bool { return c.App.Environment == "production" }
