package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"movereg/internal/models"
	apperrors "movereg/pkg/errors"
	"movereg/pkg/logger"
	"movereg/pkg/metrics"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Fetcher resolves live repository metadata. The download-count path
// needs it synchronously when it has to synthesize shadow rows.
type Fetcher interface {
	FetchRepoData(ctx context.Context, repoURL, subpath, rev string) (*models.RepoMetadata, error)
}

// Store handles PostgreSQL operations for packages and versions.
type Store struct {
	db          *sql.DB
	log         *logger.Logger
	slugRetries int

	mu   sync.Mutex
	rand *rand.Rand
}

// Config holds database configuration
type Config struct {
	ConnString     string
	MaxConnections int
	SlugRetries    int
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(cfg Config, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreWithDB(db, cfg.SlugRetries, log), nil
}

// NewStoreWithDB wraps an existing connection pool. Tests inject a mock
// here.
func NewStoreWithDB(db *sql.DB, slugRetries int, log *logger.Logger) *Store {
	if slugRetries <= 0 {
		slugRetries = 3
	}
	if log == nil {
		log = logger.Get()
	}
	return &Store{
		db:          db,
		log:         log,
		slugRetries: slugRetries,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IngestParams carries one ingestion request through the get-or-create
// pipeline. ActorID is nil for crawl-origin ingestion.
type IngestParams struct {
	RepoURL     string
	Description string
	Rev         string
	TotalFiles  int
	TotalSize   int
	ActorID     *int64
	Metadata    models.RepoMetadata
}

const (
	selectPackageByNameURL = `SELECT id, name, description, repository_url, total_downloads_count, slug, created_at, updated_at
		FROM packages WHERE name = $1 AND repository_url = $2`

	selectPackageOwner = `SELECT account_id FROM package_collaborators
		WHERE package_id = $1 ORDER BY role ASC, created_at ASC LIMIT 1`

	insertPackage = `INSERT INTO packages (name, description, repository_url, slug)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO NOTHING
		RETURNING id, created_at, updated_at`

	insertCollaborator = `INSERT INTO package_collaborators (package_id, account_id, role, created_by)
		VALUES ($1, $2, $3, $4)`

	selectVersionID = `SELECT id FROM package_versions WHERE package_id = $1 AND version = $2`

	insertPackageVersion = `INSERT INTO package_versions
		(package_id, version, readme_content, license, rev, total_files, total_size, downloads_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		RETURNING id`

	touchPackage = `UPDATE packages SET updated_at = NOW() WHERE id = $1`
)

// CreateFromCrawledData maps crawled metadata onto persisted package,
// version and ownership rows inside a single transaction.
//
// Uniqueness is enforced by the database constraints, not by the
// advisory lookups here: concurrent writers racing on the same package
// resolve through caught constraint violations, never through row
// pre-locking.
func (s *Store) CreateFromCrawledData(ctx context.Context, p IngestParams) (*models.Package, error) {
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("ingest").Observe(time.Since(start).Seconds())
	}()

	pkg, err := s.ingestOnce(ctx, p)
	if err == errPackageRace {
		// a concurrent writer inserted the same (name, url); the fresh
		// transaction finds their row
		pkg, err = s.ingestOnce(ctx, p)
	}
	return pkg, err
}

// errPackageRace signals that a package insert lost a (name,
// repository_url) uniqueness race and the whole transaction must be
// replayed; the violation aborts the transaction, so recovery cannot
// happen inside it.
var errPackageRace = fmt.Errorf("package insert race lost")

func (s *Store) ingestOnce(ctx context.Context, p IngestParams) (*models.Package, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("beginning ingest transaction", err)
	}
	defer tx.Rollback()

	pkg, ownerID, err := s.getOrCreatePackage(ctx, tx, p)
	if err != nil {
		return nil, err
	}

	// A version may only be appended by the package owner; an unowned
	// package accepts versions from anyone, including the crawler.
	if ownerID != nil && !sameActor(ownerID, p.ActorID) {
		return nil, apperrors.NewConflictError(apperrors.ConflictOwnership,
			fmt.Sprintf("package %q belongs to another account", pkg.Name))
	}

	var existingID int64
	err = tx.QueryRowContext(ctx, selectVersionID, pkg.ID, p.Metadata.Version).Scan(&existingID)
	switch {
	case err == nil:
		return nil, apperrors.NewConflictError(apperrors.ConflictVersion,
			fmt.Sprintf("version %q already exists for package %q", p.Metadata.Version, pkg.Name))
	case err != sql.ErrNoRows:
		return nil, apperrors.NewDatabaseError("checking for existing version", err)
	}

	if err := insertVersion(ctx, tx, pkg.ID, p.Metadata.Version, p.Metadata.ReadmeContent,
		p.Metadata.License, p.Rev, p.TotalFiles, p.TotalSize); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("committing ingest transaction", err)
	}
	return pkg, nil
}

// getOrCreatePackage finds the package for (name, repository_url) or
// inserts a new one, resolving slug collisions by retrying with a
// random suffix. Returns the package and the current owner account, if
// any.
func (s *Store) getOrCreatePackage(ctx context.Context, tx *sql.Tx, p IngestParams) (*models.Package, *int64, error) {
	pkg, err := scanPackage(tx.QueryRowContext(ctx, selectPackageByNameURL, p.Metadata.Name, p.RepoURL))
	switch {
	case err == nil:
		ownerID, err := s.packageOwner(ctx, tx, pkg.ID)
		if err != nil {
			return nil, nil, err
		}
		return pkg, ownerID, nil
	case err != sql.ErrNoRows:
		return nil, nil, apperrors.NewDatabaseError("looking up package", err)
	}

	slug := Slugify(p.Metadata.Name)
	candidate := slug
	for attempt := 0; ; attempt++ {
		var id int64
		var createdAt, updatedAt time.Time
		err := tx.QueryRowContext(ctx, insertPackage,
			p.Metadata.Name, p.Description, p.RepoURL, candidate).Scan(&id, &createdAt, &updatedAt)

		if err == nil {
			pkg := &models.Package{
				ID:            id,
				Name:          p.Metadata.Name,
				Description:   p.Description,
				RepositoryURL: p.RepoURL,
				Slug:          candidate,
				CreatedAt:     createdAt,
				UpdatedAt:     updatedAt,
			}
			if p.ActorID != nil {
				if _, err := tx.ExecContext(ctx, insertCollaborator,
					id, *p.ActorID, models.RoleOwner, *p.ActorID); err != nil {
					return nil, nil, apperrors.NewDatabaseError("recording package owner", err)
				}
			}
			return pkg, p.ActorID, nil
		}

		if err == sql.ErrNoRows {
			// the slug is taken: ON CONFLICT DO NOTHING returned no row
			if attempt >= s.slugRetries {
				return nil, nil, apperrors.NewConflictError(apperrors.ConflictSlug,
					fmt.Sprintf("could not find a free slug for %q after %d retries", slug, s.slugRetries))
			}
			candidate = slug + "-" + s.randomSuffix(4)
			s.log.Debug().Str("name", p.Metadata.Name).Str("slug", candidate).Msg("slug taken, retrying with suffix")
			continue
		}

		if isUniqueViolation(err) {
			return nil, nil, errPackageRace
		}
		return nil, nil, apperrors.NewDatabaseError("inserting package", err)
	}
}

func (s *Store) packageOwner(ctx context.Context, tx *sql.Tx, packageID int64) (*int64, error) {
	var ownerID int64
	err := tx.QueryRowContext(ctx, selectPackageOwner, packageID).Scan(&ownerID)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, apperrors.NewDatabaseError("looking up package owner", err)
	}
	return &ownerID, nil
}

// insertVersion is the single constructor for version rows. Every path
// seeds downloads_count at zero; the download counter increments
// afterwards.
func insertVersion(ctx context.Context, tx *sql.Tx, packageID int64, version, readme, license, rev string, totalFiles, totalSize int) error {
	var id int64
	err := tx.QueryRowContext(ctx, insertPackageVersion,
		packageID, version, readme, license, rev, totalFiles, totalSize).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError(apperrors.ConflictVersion,
				fmt.Sprintf("version %q already exists", version))
		}
		return apperrors.NewDatabaseError("inserting package version", err)
	}

	if _, err := tx.ExecContext(ctx, touchPackage, packageID); err != nil {
		return apperrors.NewDatabaseError("touching package", err)
	}
	return nil
}

const (
	selectPackageIDByURL = `SELECT id FROM packages WHERE repository_url = $1`

	selectVersionIDByRev = `SELECT id FROM package_versions WHERE package_id = $1 AND rev = $2`

	bumpVersionDownloads = `UPDATE package_versions SET downloads_count = downloads_count + 1, updated_at = NOW()
		WHERE package_id = $1 AND rev = $2`

	bumpPackageDownloads = `UPDATE packages SET total_downloads_count = total_downloads_count + 1, updated_at = NOW()
		WHERE id = $1`
)

// IncreaseDownloadCount records one download of (url, rev). Unknown
// packages or versions are synthesized as shadow rows from live
// metadata before counting; the counter increments both the version
// row and the package aggregate in one transaction.
func (s *Store) IncreaseDownloadCount(ctx context.Context, rawURL, rev, subdir string, fetcher Fetcher) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.DBQueryDuration.WithLabelValues("download_count").Observe(time.Since(start).Seconds())
	}()

	httpsURL := NormalizeRepoURL(rawURL)

	var packageID int64
	err := s.db.QueryRowContext(ctx, selectPackageIDByURL, httpsURL).Scan(&packageID)
	switch {
	case err == sql.ErrNoRows:
		pkg, err := s.createShadowPackage(ctx, httpsURL, rev, subdir, fetcher)
		if err != nil {
			return 0, err
		}
		packageID = pkg.ID
	case err != nil:
		return 0, apperrors.NewDatabaseError("looking up package by url", err)
	default:
		if err := s.ensureVersionForRev(ctx, packageID, httpsURL, rev, subdir, fetcher); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewDatabaseError("beginning download-count transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, bumpVersionDownloads, packageID, rev)
	if err != nil {
		return 0, apperrors.NewDatabaseError("incrementing version downloads", err)
	}
	changed, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, bumpPackageDownloads, packageID)
	if err != nil {
		return 0, apperrors.NewDatabaseError("incrementing package downloads", err)
	}
	n, _ := res.RowsAffected()
	changed += n

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewDatabaseError("committing download-count transaction", err)
	}

	metrics.DownloadsRecorded.Inc()
	return changed, nil
}

// ensureVersionForRev creates a shadow version when the package exists
// but the requested revision does not. The metadata fetch happens
// outside any transaction; only the insert is transactional.
func (s *Store) ensureVersionForRev(ctx context.Context, packageID int64, httpsURL, rev, subdir string, fetcher Fetcher) error {
	var versionID int64
	err := s.db.QueryRowContext(ctx, selectVersionIDByRev, packageID, rev).Scan(&versionID)
	switch {
	case err == nil:
		return nil
	case err != sql.ErrNoRows:
		return apperrors.NewDatabaseError("looking up version by rev", err)
	}

	meta, err := fetcher.FetchRepoData(ctx, httpsURL, manifestSubpath(subdir), rev)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewDatabaseError("beginning shadow-version transaction", err)
	}
	defer tx.Rollback()

	err = insertVersion(ctx, tx, packageID, meta.Version, meta.ReadmeContent, meta.License,
		rev, models.ShadowTotalFiles, meta.Size)
	if err != nil {
		if apperrors.IsConflict(err, apperrors.ConflictVersion) {
			// the conflict is benign only if a concurrent download created
			// the row for this rev; the same manifest version under a
			// different rev must not let the package counter drift
			tx.Rollback()
			var id int64
			lookErr := s.db.QueryRowContext(ctx, selectVersionIDByRev, packageID, rev).Scan(&id)
			switch {
			case lookErr == nil:
				return nil
			case lookErr == sql.ErrNoRows:
				return err
			default:
				return apperrors.NewDatabaseError("re-checking version by rev", lookErr)
			}
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("committing shadow-version transaction", err)
	}

	metrics.ShadowRecords.WithLabelValues("version").Inc()
	return nil
}

// createShadowPackage ingests an entirely unknown (url, rev) pair as an
// anonymous, system-owned package.
func (s *Store) createShadowPackage(ctx context.Context, httpsURL, rev, subdir string, fetcher Fetcher) (*models.Package, error) {
	meta, err := fetcher.FetchRepoData(ctx, httpsURL, manifestSubpath(subdir), rev)
	if err != nil {
		return nil, err
	}

	// stored under the bare URL so the next download's lookup finds it
	pkg, err := s.CreateFromCrawledData(ctx, IngestParams{
		RepoURL:     httpsURL,
		Description: meta.Description,
		Rev:         rev,
		TotalFiles:  models.ShadowTotalFiles,
		TotalSize:   meta.Size,
		ActorID:     nil,
		Metadata:    *meta,
	})
	if err != nil {
		return nil, err
	}

	metrics.ShadowRecords.WithLabelValues("package").Inc()
	return pkg, nil
}

const (
	selectPackageBySlug = `SELECT id, name, description, repository_url, total_downloads_count, slug, created_at, updated_at
		FROM packages WHERE slug = $1`

	selectVersionsByPackage = `SELECT id, package_id, version, readme_content, license, rev, total_files, total_size, downloads_count, created_at, updated_at
		FROM package_versions WHERE package_id = $1 ORDER BY id DESC`
)

// GetBySlug returns the package identified by its slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*models.Package, error) {
	pkg, err := scanPackage(s.db.QueryRowContext(ctx, selectPackageBySlug, slug))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no package with slug %q", slug))
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("looking up package by slug", err)
	}
	return pkg, nil
}

// GetVersions returns all versions of a package, newest first.
func (s *Store) GetVersions(ctx context.Context, packageID int64) ([]models.PackageVersion, error) {
	rows, err := s.db.QueryContext(ctx, selectVersionsByPackage, packageID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("listing package versions", err)
	}
	defer rows.Close()

	var versions []models.PackageVersion
	for rows.Next() {
		var v models.PackageVersion
		if err := rows.Scan(&v.ID, &v.PackageID, &v.Version, &v.ReadmeContent, &v.License,
			&v.Rev, &v.TotalFiles, &v.TotalSize, &v.DownloadsCount, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scanning package version", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterating package versions", err)
	}
	return versions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPackage(row rowScanner) (*models.Package, error) {
	var pkg models.Package
	err := row.Scan(&pkg.ID, &pkg.Name, &pkg.Description, &pkg.RepositoryURL,
		&pkg.TotalDownloadsCount, &pkg.Slug, &pkg.CreatedAt, &pkg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func sameActor(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == uniqueViolation
	}
	return false
}

const slugSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func (s *Store) randomSuffix(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := make([]byte, n)
	for i := range b {
		b[i] = slugSuffixAlphabet[s.rand.Intn(len(slugSuffixAlphabet))]
	}
	return string(b)
}

// Slugify derives a URL-safe identifier from a package name: lowercase
// alphanumerics with single-dash separators.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// NormalizeRepoURL rewrites SSH-style git remotes to HTTPS form and
// strips a trailing .git.
func NormalizeRepoURL(rawURL string) string {
	out := rawURL
	if strings.HasPrefix(out, "git@github.com") {
		out = strings.ReplaceAll(out, ":", "/")
		out = strings.Replace(out, "git@", "https://", 1)
		out = strings.ReplaceAll(out, ".git", "")
	}
	out = strings.TrimSuffix(out, ".git")
	return out
}

func manifestSubpath(subdir string) string {
	if subdir == "" {
		return ""
	}
	return subdir + "/Move.toml"
}
