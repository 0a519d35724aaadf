package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/pkgpulse/pkg/observability"
	"github.com/platinummonkey/pkgpulse/pkg/stats"
	"github.com/platinummonkey/pkgpulse/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Upstream API configuration
	Upstream UpstreamConfig

	// Tracking configuration
	Tracking TrackingConfig

	// Refresh scheduling configuration
	Refresh RefreshConfig

	// Observability configuration
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

	// AdminToken protects the admin endpoints. Empty disables them.
	AdminToken string
}

// UpstreamConfig holds npm and GitHub client configuration
type UpstreamConfig struct {
	NPMAPIBase      string
	NPMRegistryBase string
	NPMRetryDelay   time.Duration

	GitHubToken string
}

// TrackingConfig defines what the engine tracks
type TrackingConfig struct {
	// Org is the npm organization scope, without the "@" prefix
	Org string

	// MatcherRules assigns packages to libraries, in
	// "kind:pattern=library;..." form
	MatcherRules []stats.Rule

	// LegacyPackages lists package names outside the org scope that are
	// tracked anyway
	LegacyPackages []string

	// Repos lists the GitHub repositories ("owner/name") aggregated at
	// the org level
	Repos []string
}

// RefreshConfig holds batch refresh scheduling
type RefreshConfig struct {
	// Interval between full batch refreshes
	Interval time.Duration

	// RebuildInterval between full rollup rebuilds
	RebuildInterval time.Duration

	Workers    int
	StartDelay time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	tracking, err := loadTrackingConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Upstream:      loadUpstreamConfig(),
		Tracking:      tracking,
		Refresh:       loadRefreshConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PKGPULSE_HOST", "0.0.0.0"),
		Port:            getEnv("PKGPULSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PKGPULSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PKGPULSE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("PKGPULSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PKGPULSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PKGPULSE_HEALTH_PORT", "9090"),
		AdminToken:      getEnv("PKGPULSE_ADMIN_TOKEN", ""),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Type = getEnv("PKGPULSE_STORAGE_TYPE", cfg.Type)
	cfg.PostgresURL = getEnv("PKGPULSE_POSTGRES_URL", "")
	cfg.PostgresMaxConns = getEnvInt("PKGPULSE_POSTGRES_MAX_CONNS", cfg.PostgresMaxConns)
	cfg.PostgresMinConns = getEnvInt("PKGPULSE_POSTGRES_MIN_CONNS", cfg.PostgresMinConns)
	cfg.PostgresTimeout = getEnvDuration("PKGPULSE_POSTGRES_TIMEOUT", cfg.PostgresTimeout)
	cfg.PostgresMaxLifetime = getEnvDuration("PKGPULSE_POSTGRES_MAX_LIFETIME", cfg.PostgresMaxLifetime)
	cfg.RedisURL = getEnv("PKGPULSE_REDIS_URL", "")
	cfg.RedisPassword = getEnv("PKGPULSE_REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("PKGPULSE_REDIS_DB", 0)

	return cfg
}

// loadUpstreamConfig loads upstream API configuration from environment
func loadUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		NPMAPIBase:      getEnv("PKGPULSE_NPM_API_BASE", "https://api.npmjs.org"),
		NPMRegistryBase: getEnv("PKGPULSE_NPM_REGISTRY_BASE", "https://registry.npmjs.org"),
		NPMRetryDelay:   getEnvDuration("PKGPULSE_NPM_RETRY_DELAY", 30*time.Second),
		GitHubToken:     getEnv("PKGPULSE_GITHUB_TOKEN", ""),
	}
}

// loadTrackingConfig loads the tracked org, matcher rules, and repo list
func loadTrackingConfig() (TrackingConfig, error) {
	rules, err := stats.ParseRules(getEnv("PKGPULSE_LIBRARY_RULES", ""))
	if err != nil {
		return TrackingConfig{}, fmt.Errorf("invalid PKGPULSE_LIBRARY_RULES: %w", err)
	}

	return TrackingConfig{
		Org:            strings.TrimPrefix(getEnv("PKGPULSE_ORG", ""), "@"),
		MatcherRules:   rules,
		LegacyPackages: splitList(getEnv("PKGPULSE_LEGACY_PACKAGES", "")),
		Repos:          splitList(getEnv("PKGPULSE_REPOS", "")),
	}, nil
}

// loadRefreshConfig loads batch refresh scheduling from environment
func loadRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Interval:        getEnvDuration("PKGPULSE_REFRESH_INTERVAL", 6*time.Hour),
		RebuildInterval: getEnvDuration("PKGPULSE_REBUILD_INTERVAL", 24*time.Hour),
		Workers:         getEnvInt("PKGPULSE_REFRESH_WORKERS", 8),
		StartDelay:      getEnvDuration("PKGPULSE_REFRESH_START_DELAY", 500*time.Millisecond),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("PKGPULSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PKGPULSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PKGPULSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PKGPULSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PKGPULSE_OTEL_SERVICE_NAME", "pkgpulse"),
		OTelServiceVersion: getEnv("PKGPULSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PKGPULSE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be postgres or memory)", c.Storage.Type)
	}

	// Validate tracking config
	if c.Tracking.Org == "" {
		return fmt.Errorf("tracked organization is required")
	}
	if len(c.Tracking.Repos) > 0 && c.Upstream.GitHubToken == "" {
		return fmt.Errorf("GitHub token is required when repositories are configured")
	}
	for _, repo := range c.Tracking.Repos {
		if !strings.Contains(repo, "/") {
			return fmt.Errorf("invalid repository %q: expected owner/name", repo)
		}
	}

	// Validate refresh config
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	if c.Refresh.Workers <= 0 {
		return fmt.Errorf("refresh worker count must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// splitList splits a comma-separated list, trimming whitespace
func splitList(value string) []string {
	var out []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
