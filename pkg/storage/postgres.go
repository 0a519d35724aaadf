package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/pkgpulse/pkg/stats"
)

// PostgresStore is the production stats.Store backed by PostgreSQL. Every
// operation is a single-row read or upsert; daily points and the org
// package map are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection settings for the store.
type PostgresConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing database handle. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetPackage returns a package row by name.
func (s *PostgresStore) GetPackage(ctx context.Context, name string) (*stats.Package, error) {
	query := `
		SELECT name, library, legacy, downloads, rate_per_day,
		       created_at, expires_at, checked_at, updated_at
		FROM packages
		WHERE name = $1
	`

	var (
		pkg     stats.Package
		library sql.NullString
		rate    sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&pkg.Name, &library, &pkg.Legacy, &pkg.Downloads, &rate,
		&pkg.CreatedAt, &pkg.ExpiresAt, &pkg.CheckedAt, &pkg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stats.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package %s: %w", name, err)
	}

	pkg.Library = library.String
	if rate.Valid {
		pkg.RatePerDay = &rate.Float64
	}
	return &pkg, nil
}

// UpsertPackage writes a package row, overwriting any existing row.
func (s *PostgresStore) UpsertPackage(ctx context.Context, pkg *stats.Package) error {
	query := `
		INSERT INTO packages (name, library, legacy, downloads, rate_per_day,
		                      created_at, expires_at, checked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			library = EXCLUDED.library,
			legacy = EXCLUDED.legacy,
			downloads = EXCLUDED.downloads,
			rate_per_day = EXCLUDED.rate_per_day,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			checked_at = EXCLUDED.checked_at,
			updated_at = EXCLUDED.updated_at
	`

	var library sql.NullString
	if pkg.Library != "" {
		library = sql.NullString{String: pkg.Library, Valid: true}
	}
	var rate sql.NullFloat64
	if pkg.RatePerDay != nil {
		rate = sql.NullFloat64{Float64: *pkg.RatePerDay, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		pkg.Name, library, pkg.Legacy, pkg.Downloads, rate,
		pkg.CreatedAt, pkg.ExpiresAt, pkg.CheckedAt, pkg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert package %s: %w", pkg.Name, err)
	}
	return nil
}

// ListPackages returns all package rows ordered by name.
func (s *PostgresStore) ListPackages(ctx context.Context) ([]*stats.Package, error) {
	return s.listPackages(ctx, `
		SELECT name, library, legacy, downloads, rate_per_day,
		       created_at, expires_at, checked_at, updated_at
		FROM packages
		ORDER BY name
	`)
}

// ListLibraryPackages returns the packages assigned to a library.
func (s *PostgresStore) ListLibraryPackages(ctx context.Context, library string) ([]*stats.Package, error) {
	return s.listPackages(ctx, `
		SELECT name, library, legacy, downloads, rate_per_day,
		       created_at, expires_at, checked_at, updated_at
		FROM packages
		WHERE library = $1
		ORDER BY name
	`, library)
}

func (s *PostgresStore) listPackages(ctx context.Context, query string, args ...interface{}) ([]*stats.Package, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*stats.Package
	for rows.Next() {
		var (
			pkg     stats.Package
			library sql.NullString
			rate    sql.NullFloat64
		)
		if err := rows.Scan(
			&pkg.Name, &library, &pkg.Legacy, &pkg.Downloads, &rate,
			&pkg.CreatedAt, &pkg.ExpiresAt, &pkg.CheckedAt, &pkg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		pkg.Library = library.String
		if rate.Valid {
			pkg.RatePerDay = &rate.Float64
		}
		pkgs = append(pkgs, &pkg)
	}
	return pkgs, rows.Err()
}

// GetChunk returns a chunk row by its full key.
func (s *PostgresStore) GetChunk(ctx context.Context, pkg string, from, to time.Time, binSize int) (*stats.DownloadChunk, error) {
	query := `
		SELECT package, date_from, date_to, bin_size, downloads, points, immutable, expires_at
		FROM download_chunks
		WHERE package = $1 AND date_from = $2 AND date_to = $3 AND bin_size = $4
	`

	var (
		chunk  stats.DownloadChunk
		points []byte
	)
	err := s.db.QueryRowContext(ctx, query, pkg, from, to, binSize).Scan(
		&chunk.Package, &chunk.From, &chunk.To, &chunk.BinSize,
		&chunk.Downloads, &points, &chunk.Immutable, &chunk.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stats.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s %s: %w", pkg, from.Format("2006-01-02"), err)
	}

	if len(points) > 0 {
		if err := json.Unmarshal(points, &chunk.Points); err != nil {
			return nil, fmt.Errorf("failed to decode chunk points: %w", err)
		}
	}
	chunk.From = chunk.From.UTC()
	chunk.To = chunk.To.UTC()
	return &chunk, nil
}

// UpsertChunk writes a chunk row, replacing any existing row for the key.
func (s *PostgresStore) UpsertChunk(ctx context.Context, chunk *stats.DownloadChunk) error {
	points, err := json.Marshal(chunk.Points)
	if err != nil {
		return fmt.Errorf("failed to encode chunk points: %w", err)
	}

	query := `
		INSERT INTO download_chunks (package, date_from, date_to, bin_size,
		                             downloads, points, immutable, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (package, date_from, date_to, bin_size) DO UPDATE SET
			downloads = EXCLUDED.downloads,
			points = EXCLUDED.points,
			immutable = EXCLUDED.immutable,
			expires_at = EXCLUDED.expires_at
	`
	_, err = s.db.ExecContext(ctx, query,
		chunk.Package, chunk.From, chunk.To, chunk.BinSize,
		chunk.Downloads, points, chunk.Immutable, chunk.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s %s: %w", chunk.Package, chunk.From.Format("2006-01-02"), err)
	}
	return nil
}

// GetLibraryStats returns a library rollup row.
func (s *PostgresStore) GetLibraryStats(ctx context.Context, library string) (*stats.LibraryStats, error) {
	query := `
		SELECT library, downloads, previous_downloads, package_count, updated_at
		FROM library_stats
		WHERE library = $1
	`

	var ls stats.LibraryStats
	err := s.db.QueryRowContext(ctx, query, library).Scan(
		&ls.Library, &ls.Downloads, &ls.PreviousDownloads, &ls.PackageCount, &ls.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stats.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get library stats %s: %w", library, err)
	}
	return &ls, nil
}

// UpsertLibraryStats writes a library rollup row.
func (s *PostgresStore) UpsertLibraryStats(ctx context.Context, ls *stats.LibraryStats) error {
	query := `
		INSERT INTO library_stats (library, downloads, previous_downloads, package_count, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (library) DO UPDATE SET
			downloads = EXCLUDED.downloads,
			previous_downloads = EXCLUDED.previous_downloads,
			package_count = EXCLUDED.package_count,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		ls.Library, ls.Downloads, ls.PreviousDownloads, ls.PackageCount, ls.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert library stats %s: %w", ls.Library, err)
	}
	return nil
}

// GetOrgStats returns an org rollup row.
func (s *PostgresStore) GetOrgStats(ctx context.Context, org string) (*stats.OrgStats, error) {
	query := `
		SELECT org, downloads, packages, expires_at, updated_at
		FROM org_stats
		WHERE org = $1
	`

	var (
		os       stats.OrgStats
		packages []byte
	)
	err := s.db.QueryRowContext(ctx, query, org).Scan(
		&os.Org, &os.Downloads, &packages, &os.ExpiresAt, &os.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stats.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get org stats %s: %w", org, err)
	}

	if len(packages) > 0 {
		if err := json.Unmarshal(packages, &os.Packages); err != nil {
			return nil, fmt.Errorf("failed to decode org package map: %w", err)
		}
	}
	return &os, nil
}

// UpsertOrgStats writes an org rollup row.
func (s *PostgresStore) UpsertOrgStats(ctx context.Context, os *stats.OrgStats) error {
	packages, err := json.Marshal(os.Packages)
	if err != nil {
		return fmt.Errorf("failed to encode org package map: %w", err)
	}

	query := `
		INSERT INTO org_stats (org, downloads, packages, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org) DO UPDATE SET
			downloads = EXCLUDED.downloads,
			packages = EXCLUDED.packages,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		os.Org, os.Downloads, packages, os.ExpiresAt, os.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert org stats %s: %w", os.Org, err)
	}
	return nil
}

// GetRepoStats returns a repo stats row.
func (s *PostgresStore) GetRepoStats(ctx context.Context, key string) (*stats.RepoStats, error) {
	query := `
		SELECT key, current, previous, expires_at, updated_at
		FROM repo_stats
		WHERE key = $1
	`

	var (
		rs       stats.RepoStats
		current  []byte
		previous []byte
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rs.Key, &current, &previous, &rs.ExpiresAt, &rs.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stats.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repo stats %s: %w", key, err)
	}

	if err := json.Unmarshal(current, &rs.Current); err != nil {
		return nil, fmt.Errorf("failed to decode repo snapshot: %w", err)
	}
	if err := json.Unmarshal(previous, &rs.Previous); err != nil {
		return nil, fmt.Errorf("failed to decode repo snapshot: %w", err)
	}
	return &rs, nil
}

// UpsertRepoStats writes a repo stats row.
func (s *PostgresStore) UpsertRepoStats(ctx context.Context, rs *stats.RepoStats) error {
	current, err := json.Marshal(rs.Current)
	if err != nil {
		return fmt.Errorf("failed to encode repo snapshot: %w", err)
	}
	previous, err := json.Marshal(rs.Previous)
	if err != nil {
		return fmt.Errorf("failed to encode repo snapshot: %w", err)
	}

	query := `
		INSERT INTO repo_stats (key, current, previous, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			current = EXCLUDED.current,
			previous = EXCLUDED.previous,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rs.Key, current, previous, rs.ExpiresAt, rs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert repo stats %s: %w", rs.Key, err)
	}
	return nil
}
