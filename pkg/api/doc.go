// Package api exposes the statistics engine over HTTP.
//
// # Endpoints
//
// Download stats:
//
//	GET /api/v1/packages/{name}/stats
//	GET /api/v1/libraries/{id}/stats
//	GET /api/v1/orgs/{org}/stats
//
// Repository stats:
//
//	GET /api/v1/repos/{owner}/{repo}/stats
//	GET /api/v1/orgs/{org}/repos/stats
//
// Admin (bearer token):
//
//	POST /api/v1/admin/orgs/{org}/refresh
//	POST /api/v1/admin/packages
//
// Operational:
//
//	GET /healthz
//	GET /metrics
//
// Reads serve from cache and refresh on expiry; a failed refresh degrades
// to the stale value rather than an error.
package api
