package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Analytics     AnalyticsConfig
	Monitoring    MonitoringConfig
	Subscriptions SubscriptionsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Per-user request rate limiting
	RateLimitPerMinute int
}

// StorageConfig holds PostgreSQL and Redis configuration
type StorageConfig struct {
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// AnalyticsConfig holds the PostHog-compatible event egress configuration
type AnalyticsConfig struct {
	Enabled    bool
	Endpoint   string
	APIKey     string
	AppVersion string
	Timeout    time.Duration
	MaxRetries int
}

// MonitoringConfig holds the error monitoring egress configuration
type MonitoringConfig struct {
	Enabled     bool
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// SubscriptionsConfig holds subscription domain settings
type SubscriptionsConfig struct {
	// CatalogFile optionally overrides the built-in tier catalog
	CatalogFile string
	// CatalogWatch reloads the catalog file on change
	CatalogWatch bool
	// DowngradePolicy is "deferred" (default) or "immediate"
	DowngradePolicy string
	// TrialDays is the default trial length
	TrialDays int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("VERITAS_HOST", "0.0.0.0"),
			Port:               getEnv("VERITAS_PORT", "8080"),
			ReadTimeout:        getEnvDuration("VERITAS_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvDuration("VERITAS_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:        getEnvDuration("VERITAS_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:    getEnvDuration("VERITAS_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:         getEnv("VERITAS_HEALTH_PORT", "9090"),
			RateLimitPerMinute: getEnvInt("VERITAS_RATE_LIMIT_PER_MINUTE", 120),
		},
		Storage: StorageConfig{
			PostgresURL:      getEnv("VERITAS_POSTGRES_URL", ""),
			PostgresMaxConns: getEnvInt("VERITAS_POSTGRES_MAX_CONNS", 25),
			PostgresMinConns: getEnvInt("VERITAS_POSTGRES_MIN_CONNS", 5),
			PostgresTimeout:  getEnvDuration("VERITAS_POSTGRES_TIMEOUT", 30*time.Second),
			RedisURL:         getEnv("VERITAS_REDIS_URL", ""),
			RedisPassword:    getEnv("VERITAS_REDIS_PASSWORD", ""),
			RedisDB:          getEnvInt("VERITAS_REDIS_DB", -1),
			RedisMaxRetries:  getEnvInt("VERITAS_REDIS_MAX_RETRIES", 3),
			RedisPoolSize:    getEnvInt("VERITAS_REDIS_POOL_SIZE", 10),
		},
		Analytics: AnalyticsConfig{
			Enabled:    getEnvBool("VERITAS_ANALYTICS_ENABLED", true),
			Endpoint:   getEnv("VERITAS_ANALYTICS_ENDPOINT", "https://app.posthog.com"),
			APIKey:     getEnv("VERITAS_ANALYTICS_API_KEY", ""),
			AppVersion: getEnv("VERITAS_APP_VERSION", "1.0.0"),
			Timeout:    getEnvDuration("VERITAS_ANALYTICS_TIMEOUT", 5*time.Second),
			MaxRetries: getEnvInt("VERITAS_ANALYTICS_MAX_RETRIES", 2),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvBool("VERITAS_MONITORING_ENABLED", false),
			DSN:         getEnv("VERITAS_MONITORING_DSN", ""),
			Environment: getEnv("VERITAS_ENVIRONMENT", "development"),
			Release:     getEnv("VERITAS_RELEASE", ""),
			SampleRate:  getEnvFloat("VERITAS_MONITORING_SAMPLE_RATE", 1.0),
		},
		Subscriptions: SubscriptionsConfig{
			CatalogFile:     getEnv("VERITAS_CATALOG_FILE", ""),
			CatalogWatch:    getEnvBool("VERITAS_CATALOG_WATCH", false),
			DowngradePolicy: getEnv("VERITAS_DOWNGRADE_POLICY", "deferred"),
			TrialDays:       getEnvInt("VERITAS_TRIAL_DAYS", 14),
		},
		Observability: ObservabilityConfig{
			LogLevel:           observability.ParseLogLevel(getEnv("VERITAS_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("VERITAS_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("VERITAS_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("VERITAS_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("VERITAS_OTEL_SERVICE_NAME", "conceptus-veritas"),
			OTelServiceVersion: getEnv("VERITAS_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("VERITAS_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Analytics.Enabled && c.Analytics.APIKey == "" {
		return fmt.Errorf("analytics API key is required when analytics is enabled")
	}
	if c.Monitoring.Enabled && c.Monitoring.DSN == "" {
		return fmt.Errorf("monitoring DSN is required when monitoring is enabled")
	}
	switch c.Subscriptions.DowngradePolicy {
	case "deferred", "immediate":
	default:
		return fmt.Errorf("invalid downgrade policy: %s (must be deferred or immediate)", c.Subscriptions.DowngradePolicy)
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
