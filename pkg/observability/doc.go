// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry initialization, and graceful shutdown management shared by
// the pkgpulse binaries.
package observability
