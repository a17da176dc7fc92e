// Package config loads and validates the content service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CS_ prefix (e.g. CS_STORAGE_PROVIDER
// overrides storage.provider in the YAML), so the same binary runs with a
// config.yaml locally and with pure environment variables in containers.
//
// The loaded *Config is treated as an immutable value: it is passed explicitly to
// the storage factory, the temporary URL service and the health service. A config
// reload produces a new *Config rather than mutating the old one.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig identifies the running deployment
type AppConfig struct {
	Name string `mapstructure:"name"`
	// Environment is the deployment environment (development, staging, production, test).
	// It is the default environment segment of every storage key and gates the
	// in-memory storage provider.
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles temporary URL issuance per client
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	BurstSize         int  `mapstructure:"burst_size"`
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	// Provider selects the active backend: minio, aliyun, s3 or memory
	Provider string `mapstructure:"provider"`
	// Environment overrides app.environment for the key environment segment
	Environment string `mapstructure:"environment"`
	// PathPrefix is prepended to every generated storage key (optional)
	PathPrefix string `mapstructure:"path_prefix"`
	// ProxyServingPath is the externally dereferenced prefix for boundary URLs.
	// It may be a full URL or a root-relative path; empty means the storage marker.
	ProxyServingPath string `mapstructure:"proxy_serving_path"`

	Minio   MinioStorageConfig  `mapstructure:"minio"`
	Aliyun  AliyunStorageConfig `mapstructure:"aliyun"`
	S3      S3StorageConfig     `mapstructure:"s3"`
	Memory  MemoryStorageConfig `mapstructure:"memory"`
	Retry   RetryConfig         `mapstructure:"retry"`
	TempURL TempURLConfig       `mapstructure:"temp_url"`
	Health  HealthConfig        `mapstructure:"health"`
}

// MinioStorageConfig holds S3-compatible (MinIO) configuration
type MinioStorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	ThumbnailBucket string `mapstructure:"thumbnail_bucket"`
	// CustomDomain replaces the endpoint host in signed URLs (e.g. a CDN in front of MinIO)
	CustomDomain     string `mapstructure:"custom_domain"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// AliyunStorageConfig holds Aliyun OSS configuration
type AliyunStorageConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
	ThumbnailBucket string `mapstructure:"thumbnail_bucket"`
	CDNDomain       string `mapstructure:"cdn_domain"`
	// CustomEndpoint is a CNAME bound to the bucket; signed URLs use it when set
	CustomEndpoint string `mapstructure:"custom_endpoint"`
}

// GetEndpoint returns the OSS endpoint, deriving it from the region when unset
func (a *AliyunStorageConfig) GetEndpoint() string {
	if a.Endpoint != "" {
		return a.Endpoint
	}
	if a.Region == "" {
		return ""
	}
	region := a.Region
	if !strings.HasPrefix(region, "oss-") {
		region = "oss-" + region
	}
	return "https://" + region + ".aliyuncs.com"
}

// S3StorageConfig holds AWS S3 configuration
type S3StorageConfig struct {
	// Endpoint is an optional S3-compatible endpoint URL; path-style addressing is used when set
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	ThumbnailBucket string `mapstructure:"thumbnail_bucket"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`

	AutoCreateBucket bool `mapstructure:"auto_create_bucket"`
}

// MemoryStorageConfig holds in-memory test double configuration
type MemoryStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	ThumbnailBucket string `mapstructure:"thumbnail_bucket"`
}

// RetryConfig controls the backoff applied to storage calls
type RetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

// TempURLConfig controls the signed URL cache
type TempURLConfig struct {
	DefaultExpiresIn time.Duration `mapstructure:"default_expires_in"`
	MaxEntries       int           `mapstructure:"max_entries"`
	// SafetyBuffer is subtracted from expires_in to derive the cache TTL
	SafetyBuffer time.Duration `mapstructure:"safety_buffer"`
	Redis        RedisConfig   `mapstructure:"redis"`
}

// RedisConfig configures the optional shared signed URL cache tier
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// EncryptionKey seals cached URLs at rest. A base64 32-byte key, or a
	// passphrase when EncryptionSalt is set. Empty stores plaintext.
	EncryptionKey  string `mapstructure:"encryption_key"`
	EncryptionSalt string `mapstructure:"encryption_salt"`
}

// HealthConfig controls the periodic storage probe
type HealthConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// App
		"app.name",
		"app.environment",

		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",
		"server.rate_limit.enabled",
		"server.rate_limit.requests_per_minute",
		"server.rate_limit.burst_size",

		// Storage
		"storage.provider",
		"storage.environment",
		"storage.path_prefix",
		"storage.proxy_serving_path",
		"storage.minio.endpoint",
		"storage.minio.access_key",
		"storage.minio.secret_key",
		"storage.minio.use_ssl",
		"storage.minio.region",
		"storage.minio.bucket",
		"storage.minio.thumbnail_bucket",
		"storage.minio.custom_domain",
		"storage.minio.auto_create_bucket",
		"storage.aliyun.region",
		"storage.aliyun.endpoint",
		"storage.aliyun.access_key_id",
		"storage.aliyun.access_key_secret",
		"storage.aliyun.bucket",
		"storage.aliyun.thumbnail_bucket",
		"storage.aliyun.cdn_domain",
		"storage.aliyun.custom_endpoint",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.thumbnail_bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.s3.auto_create_bucket",
		"storage.memory.bucket",
		"storage.memory.thumbnail_bucket",
		"storage.retry.enabled",
		"storage.retry.max_attempts",
		"storage.retry.initial_delay",
		"storage.retry.max_delay",
		"storage.retry.multiplier",
		"storage.retry.jitter",
		"storage.temp_url.default_expires_in",
		"storage.temp_url.max_entries",
		"storage.temp_url.safety_buffer",
		"storage.temp_url.redis.enabled",
		"storage.temp_url.redis.addr",
		"storage.temp_url.redis.password",
		"storage.temp_url.redis.db",
		"storage.temp_url.redis.key_prefix",
		"storage.temp_url.redis.encryption_key",
		"storage.temp_url.redis.encryption_salt",
		"storage.health.interval",
		"storage.health.probe_timeout",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// newViper builds a viper instance with defaults, config file discovery and env binding
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/content-service")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("CS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// decode unmarshals, expands secrets and validates a populated viper instance
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Storage.Minio.AccessKey = expandEnv(cfg.Storage.Minio.AccessKey)
	cfg.Storage.Minio.SecretKey = expandEnv(cfg.Storage.Minio.SecretKey)
	cfg.Storage.Aliyun.AccessKeyID = expandEnv(cfg.Storage.Aliyun.AccessKeyID)
	cfg.Storage.Aliyun.AccessKeySecret = expandEnv(cfg.Storage.Aliyun.AccessKeySecret)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Storage.TempURL.Redis.Password = expandEnv(cfg.Storage.TempURL.Redis.Password)
	cfg.Storage.TempURL.Redis.EncryptionKey = expandEnv(cfg.Storage.TempURL.Redis.EncryptionKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "content-service")
	v.SetDefault("app.environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests_per_minute", 600)
	v.SetDefault("server.rate_limit.burst_size", 100)

	v.SetDefault("storage.provider", "minio")
	v.SetDefault("storage.minio.endpoint", "localhost:9000")
	v.SetDefault("storage.minio.bucket", "content")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.memory.bucket", "memory")
	v.SetDefault("storage.s3.auth_method", "default")

	v.SetDefault("storage.retry.enabled", true)
	v.SetDefault("storage.retry.max_attempts", 3)
	v.SetDefault("storage.retry.initial_delay", "1s")
	v.SetDefault("storage.retry.max_delay", "10s")
	v.SetDefault("storage.retry.multiplier", 2.0)
	v.SetDefault("storage.retry.jitter", true)

	v.SetDefault("storage.temp_url.default_expires_in", "1h")
	v.SetDefault("storage.temp_url.max_entries", 1000)
	v.SetDefault("storage.temp_url.safety_buffer", "5m")
	v.SetDefault("storage.temp_url.redis.enabled", false)
	v.SetDefault("storage.temp_url.redis.key_prefix", "tempurl")

	v.SetDefault("storage.health.interval", "5m")
	v.SetDefault("storage.health.probe_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration. Provider-specific required fields are
// checked by the storage factory so that they surface as classified errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be at least 1 when rate limiting is enabled")
	}

	validProviders := map[string]bool{"minio": true, "aliyun": true, "s3": true, "memory": true}
	if !validProviders[strings.ToLower(c.Storage.Provider)] {
		return fmt.Errorf("invalid storage provider: %s (must be minio, aliyun, s3, or memory)", c.Storage.Provider)
	}

	if c.Storage.TempURL.MaxEntries < 0 {
		return fmt.Errorf("storage.temp_url.max_entries must not be negative")
	}
	if c.Storage.TempURL.SafetyBuffer < 0 {
		return fmt.Errorf("storage.temp_url.safety_buffer must not be negative")
	}
	if c.Storage.TempURL.Redis.Enabled && c.Storage.TempURL.Redis.Addr == "" {
		return fmt.Errorf("storage.temp_url.redis.addr is required when the redis tier is enabled")
	}
	if c.Storage.Retry.Enabled && c.Storage.Retry.MaxAttempts < 1 {
		return fmt.Errorf("storage.retry.max_attempts must be at least 1")
	}
	if c.Storage.Health.Interval < 0 {
		return fmt.Errorf("storage.health.interval must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// KeyEnvironment returns the environment segment used when minting storage keys
func (c *Config) KeyEnvironment() string {
	if c.Storage.Environment != "" {
		return c.Storage.Environment
	}
	return c.App.Environment
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
