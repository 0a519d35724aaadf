// Package stats is the download statistics engine: the chunked history
// cache, the per-package refresh flow, and the incremental library and
// organization rollups layered on top of it.
package stats

import "time"

const (
	// PackageCacheTTL is how long a package rollup is served before a
	// refresh is triggered.
	PackageCacheTTL = 6 * time.Hour

	// MutableChunkTTL is the expiry for chunks that touch the current
	// date. Fully historical chunks never expire.
	MutableChunkTTL = 6 * time.Hour

	// RepoCacheTTL is how long a repository metrics snapshot is served
	// before being refetched.
	RepoCacheTTL = 6 * time.Hour

	// rateWindowDays is the trailing window used to derive the daily
	// download rate.
	rateWindowDays = 7
)

// FloorDate bounds download history when a package's registry creation
// date cannot be determined. npm's per-package download statistics do not
// reach back further than this.
var FloorDate = time.Date(2015, 1, 10, 0, 0, 0, 0, time.UTC)

// Package is one tracked npm package and its cached rollup fields.
type Package struct {
	Name    string `json:"name"`
	Library string `json:"library,omitempty"`
	// Legacy marks packages that predate the org scope and are
	// registered explicitly instead of being discovered.
	Legacy bool `json:"legacy,omitempty"`

	Downloads  int64      `json:"downloads"`
	RatePerDay *float64   `json:"rate_per_day,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CheckedAt  *time.Time `json:"checked_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DailyDownloads is one day of download counts inside a chunk.
type DailyDownloads struct {
	Day       string `json:"day"`
	Downloads int64  `json:"downloads"`
}

// DownloadChunk is one cached sub-range of a package's download history,
// keyed by (package, from, to, bin size).
type DownloadChunk struct {
	Package string    `json:"package"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	BinSize int       `json:"bin_size"`

	Downloads int64            `json:"downloads"`
	Points    []DailyDownloads `json:"points,omitempty"`

	// Immutable chunks lie entirely in the past and are never refetched.
	// ExpiresAt is nil exactly when Immutable is true.
	Immutable bool       `json:"immutable"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// LibraryStats is the rollup for one library, a named grouping of
// packages.
type LibraryStats struct {
	Library           string    `json:"library"`
	Downloads         int64     `json:"downloads"`
	PreviousDownloads int64     `json:"previous_downloads"`
	PackageCount      int       `json:"package_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PackageSnapshot is the per-package entry inside an org rollup.
type PackageSnapshot struct {
	Downloads         int64 `json:"downloads"`
	PreviousDownloads int64 `json:"previous_downloads"`
}

// OrgStats is the top-level rollup across every tracked package of the
// organization.
type OrgStats struct {
	Org       string                     `json:"org"`
	Downloads int64                      `json:"downloads"`
	Packages  map[string]PackageSnapshot `json:"packages"`
	ExpiresAt *time.Time                 `json:"expires_at,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// RepoSnapshot is one point-in-time set of repository figures.
type RepoSnapshot struct {
	Stars        int `json:"stars"`
	Forks        int `json:"forks"`
	Contributors int `json:"contributors"`
	Dependents   int `json:"dependents"`
	// Repositories is set only on org-level aggregates.
	Repositories int `json:"repositories,omitempty"`
}

// RepoStats is the cached repository metrics for one repo ("owner/name")
// or an org aggregate ("org:<name>"). Previous holds the snapshot from the
// write before the latest one, for rate display.
type RepoStats struct {
	Key       string       `json:"key"`
	Current   RepoSnapshot `json:"current"`
	Previous  RepoSnapshot `json:"previous"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}
