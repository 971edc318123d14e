// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	HOST="127.0.0.1"
//	PORT="8000"
//	SCHEME="http"           # forced to https when PORT=443
//	READ_TIMEOUT="30s"
//	WRITE_TIMEOUT="60s"
//	SHUTDOWN_TIMEOUT="30s"
//
// Registry settings:
//
//	UPSTREAM_REGISTRY="https://registry.npmjs.org"
//
// Cache settings:
//
//	CACHE_ENABLED="true"
//	CACHE_DIR="./data"
//	CACHE_TTL_HOURS="24"
//	DATABASE_URL=""         # defaults to <CACHE_DIR>/clef.db
//
// Observability settings:
//
//	LOG_LEVEL="info"        # debug, info, warn, error
//	METRICS_ENABLED="true"
//	OTEL_ENABLED="false"
//	OTEL_ENDPOINT="localhost:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Listening on %s\n", cfg.ListenAddr())
//	fmt.Printf("Upstream: %s\n", cfg.Registry.UpstreamURL)
//
// # Related Packages
//
//   - pkg/cache: uses the cache directory and TTL
//   - pkg/observability: uses log level, metrics and tracing settings
package config
