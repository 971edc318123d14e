package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/clef/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Registry configuration
	Registry RegistryConfig

	// Cache configuration
	Cache CacheConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	Scheme          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RegistryConfig holds upstream registry configuration
type RegistryConfig struct {
	UpstreamURL string
}

// CacheConfig holds artifact and metadata cache configuration
type CacheConfig struct {
	Enabled     bool
	Dir         string
	TTL         time.Duration
	DatabaseURL string
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
	cfg := &Config{
		Server:        loadServerConfig(),
		Registry:      loadRegistryConfig(),
		Cache:         loadCacheConfig(),
		Observability: loadObservabilityConfig(),
	}

	// npm clients expect https URLs when talking to the standard TLS port
	if cfg.Server.Port == 443 {
		cfg.Server.Scheme = "https"
	}

	if cfg.Cache.DatabaseURL == "" {
		cfg.Cache.DatabaseURL = filepath.Join(cfg.Cache.Dir, "clef.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOST", "127.0.0.1"),
		Port:            getEnvInt("PORT", 8000),
		Scheme:          strings.ToLower(getEnv("SCHEME", "http")),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// loadRegistryConfig loads upstream registry configuration from environment
func loadRegistryConfig() RegistryConfig {
	return RegistryConfig{
		UpstreamURL: strings.TrimRight(getEnv("UPSTREAM_REGISTRY", "https://registry.npmjs.org"), "/"),
	}
}

// loadCacheConfig loads cache configuration from environment
func loadCacheConfig() CacheConfig {
	ttlHours := getEnvInt("CACHE_TTL_HOURS", 24)
	return CacheConfig{
		Enabled:     getEnvBool("CACHE_ENABLED", true),
		Dir:         getEnv("CACHE_DIR", "./data"),
		TTL:         time.Duration(ttlHours) * time.Hour,
		DatabaseURL: getEnv("DATABASE_URL", ""),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "clef-registry"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Scheme != "http" && c.Server.Scheme != "https" {
		return fmt.Errorf("invalid scheme: %s (must be http or https)", c.Server.Scheme)
	}
	if c.Registry.UpstreamURL == "" {
		return fmt.Errorf("upstream registry URL is required")
	}
	if !strings.HasPrefix(c.Registry.UpstreamURL, "http://") && !strings.HasPrefix(c.Registry.UpstreamURL, "https://") {
		return fmt.Errorf("upstream registry URL must be http(s): %s", c.Registry.UpstreamURL)
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache directory is required")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}
	if c.Cache.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}

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

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HostPort returns the advertised host:port pair, with the port elided when
// it is the default for the scheme.
func (c *Config) HostPort() string {
	if (c.Server.Scheme == "http" && c.Server.Port == 80) ||
		(c.Server.Scheme == "https" && c.Server.Port == 443) {
		return c.Server.Host
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL returns the advertised base URL for rewritten tarball links.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Server.Scheme, c.HostPort())
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
