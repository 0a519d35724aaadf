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
//	PKGPULSE_HOST="0.0.0.0"
//	PKGPULSE_PORT="8080"
//	PKGPULSE_HEALTH_PORT="9090"
//	PKGPULSE_READ_TIMEOUT="15s"
//	PKGPULSE_WRITE_TIMEOUT="30s"
//	PKGPULSE_ADMIN_TOKEN="..."
//
// Storage settings:
//
//	PKGPULSE_STORAGE_TYPE="postgres"  # postgres, memory
//	PKGPULSE_POSTGRES_URL="postgres://localhost/pkgpulse"
//	PKGPULSE_POSTGRES_MAX_CONNS="10"
//	PKGPULSE_REDIS_URL="redis://localhost:6379"
//
// Tracking settings:
//
//	PKGPULSE_ORG="acme"
//	PKGPULSE_LIBRARY_RULES="exact:@acme/core=core;prefix:@acme/ui-=ui"
//	PKGPULSE_LEGACY_PACKAGES="left-pad,request"
//	PKGPULSE_REPOS="acme/widgets,acme/gadgets"
//
// Upstream settings:
//
//	PKGPULSE_NPM_API_BASE="https://api.npmjs.org"
//	PKGPULSE_NPM_REGISTRY_BASE="https://registry.npmjs.org"
//	PKGPULSE_NPM_RETRY_DELAY="30s"
//	PKGPULSE_GITHUB_TOKEN="ghp_..."
//
// Refresh settings:
//
//	PKGPULSE_REFRESH_INTERVAL="6h"
//	PKGPULSE_REBUILD_INTERVAL="24h"
//	PKGPULSE_REFRESH_WORKERS="8"
//	PKGPULSE_REFRESH_START_DELAY="500ms"
//
// Observability settings:
//
//	PKGPULSE_LOG_LEVEL="info"  # debug, info, warn, error
//	PKGPULSE_METRICS_ENABLED="true"
//	PKGPULSE_OTEL_ENABLED="true"
//	PKGPULSE_OTEL_ENDPOINT="otel-collector:4317"
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
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
