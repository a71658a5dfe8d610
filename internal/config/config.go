// Package config provides configuration management for flagsync.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server roles.
const (
	RoleAll     = "all"
	RoleAPI     = "api"
	RoleGateway = "gateway"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all configuration for flagd.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Push        PushConfig        `mapstructure:"push"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Flags       FlagsConfig       `mapstructure:"flags"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Role            string        `mapstructure:"role"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Backend     string         `mapstructure:"backend"`
	CounterName string         `mapstructure:"counter_name"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// AuthConfig holds token and password hashing settings.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	Issuer     string        `mapstructure:"issuer"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// PushConfig controls how events reach subscribers.
//
// Endpoint is the gateway management API (api role) and APIEndpoint is the
// flags API that receives lifecycle calls (gateway role).
type PushConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIEndpoint string        `mapstructure:"api_endpoint"`
	GatewayKey  string        `mapstructure:"gateway_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// WebSocketConfig holds hub settings.
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	RequireAuth     bool          `mapstructure:"require_auth"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// BroadcastConfig holds fan-out settings. Zero concurrency means unbounded.
type BroadcastConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// FlagsConfig holds mutation pipeline settings.
type FlagsConfig struct {
	StrictExistence bool `mapstructure:"strict_existence"`
	BulkConcurrency int  `mapstructure:"bulk_concurrency"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// CORSConfig holds allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flagsync/")
	}

	v.SetEnvPrefix("FLAGSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.role", RoleAll)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.counter_name", "flagId")
	v.SetDefault("store.redis.host", "localhost")
	v.SetDefault("store.redis.port", 6379)
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.pool_size", 100)
	v.SetDefault("store.redis.key_prefix", "flagsync")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.database", "flagsync")
	v.SetDefault("store.postgres.user", "flagsync")
	v.SetDefault("store.postgres.max_connections", 20)
	v.SetDefault("store.postgres.min_connections", 2)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "flagsync")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("auth.bcrypt_cost", 10)

	v.SetDefault("push.endpoint", "")
	v.SetDefault("push.api_endpoint", "")
	v.SetDefault("push.gateway_key", "")
	v.SetDefault("push.timeout", "5s")

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.require_auth", false)
	v.SetDefault("websocket.allowed_origins", []string{"*"})

	v.SetDefault("broadcast.concurrency", 0)

	v.SetDefault("flags.strict_existence", false)
	v.SetDefault("flags.bulk_concurrency", 16)

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 200.0)
	v.SetDefault("rate_limiter.burst_size", 50)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Server.Role {
	case RoleAll, RoleAPI, RoleGateway:
	default:
		return fmt.Errorf("invalid server role: %q", c.Server.Role)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("invalid store backend: %q", c.Store.Backend)
	}

	if c.Store.CounterName == "" {
		return fmt.Errorf("store.counter_name is required")
	}

	if c.Server.Role != RoleGateway {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be positive")
		}
	}

	if c.Server.Role == RoleAPI && c.Push.Endpoint == "" {
		return fmt.Errorf("push.endpoint is required for the api role")
	}

	if c.Server.Role == RoleGateway && c.Push.APIEndpoint == "" {
		return fmt.Errorf("push.api_endpoint is required for the gateway role")
	}

	if c.Push.Timeout <= 0 {
		return fmt.Errorf("push timeout must be positive")
	}

	if c.Broadcast.Concurrency < 0 {
		return fmt.Errorf("broadcast concurrency must not be negative")
	}

	if c.Flags.BulkConcurrency <= 0 {
		return fmt.Errorf("flags bulk concurrency must be positive")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	return nil
}

// RedisAddr returns the host:port address of the Redis server.
func (c RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
