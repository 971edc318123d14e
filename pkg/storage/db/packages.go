package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const packageColumns = `id, name, description, author_id, homepage, repository_url, license, keywords, organization_id, is_private, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPackage(row rowScanner) (*Package, error) {
	var pkg Package
	err := row.Scan(
		&pkg.ID,
		&pkg.Name,
		&pkg.Description,
		&pkg.AuthorID,
		&pkg.Homepage,
		&pkg.RepositoryURL,
		&pkg.License,
		&pkg.Keywords,
		&pkg.OrganizationID,
		&pkg.IsPrivate,
		&pkg.CreatedAt,
		&pkg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// GetPackageByName returns a package by name, or ErrNotFound.
func (s *Store) GetPackageByName(ctx context.Context, name string) (*Package, error) {
	defer s.observe("get_package", time.Now())

	query := fmt.Sprintf(`SELECT %s FROM packages WHERE name = ?`, packageColumns)
	pkg, err := scanPackage(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get package %s", name))
	}
	return pkg, nil
}

// CreateOrGetPackage inserts a package row if it does not exist and returns
// the row either way.
func (s *Store) CreateOrGetPackage(ctx context.Context, name string, description *string, authorID *int64) (*Package, error) {
	return s.createOrGetPackage(ctx, name, description, authorID, nil, false)
}

// CreateOrGetPackageWithUpdate behaves like CreateOrGetPackage but refreshes
// the description of an existing row when one is supplied.
func (s *Store) CreateOrGetPackageWithUpdate(ctx context.Context, name string, description *string, authorID *int64) (*Package, error) {
	return s.createOrGetPackage(ctx, name, description, authorID, nil, true)
}

// CreateOrGetPackageWithOrganization behaves like CreateOrGetPackageWithUpdate
// and additionally links the package to an organization.
func (s *Store) CreateOrGetPackageWithOrganization(ctx context.Context, name string, description *string, authorID, organizationID *int64) (*Package, error) {
	return s.createOrGetPackage(ctx, name, description, authorID, organizationID, true)
}

func (s *Store) createOrGetPackage(ctx context.Context, name string, description *string, authorID, organizationID *int64, updateDescription bool) (*Package, error) {
	defer s.observe("create_or_get_package", time.Now())

	if name == "" {
		return nil, fmt.Errorf("package name must not be empty: %w", ErrCheckViolation)
	}

	var pkg *Package
	err := s.withRetry(ctx, func() error {
		existing, err := s.GetPackageByName(ctx, name)
		if err == nil {
			updates := []string{}
			args := []interface{}{}
			if updateDescription && description != nil {
				updates = append(updates, "description = ?")
				args = append(args, *description)
			}
			if organizationID != nil && existing.OrganizationID == nil {
				updates = append(updates, "organization_id = ?")
				args = append(args, *organizationID)
			}
			if len(updates) > 0 {
				updates = append(updates, "updated_at = CURRENT_TIMESTAMP")
				args = append(args, existing.ID)
				query := fmt.Sprintf("UPDATE packages SET %s WHERE id = ?", strings.Join(updates, ", "))
				if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
					return translateError(err, fmt.Sprintf("failed to update package %s", name))
				}
				existing, err = s.GetPackageByName(ctx, name)
				if err != nil {
					return err
				}
			}
			pkg = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO packages (name, description, author_id, organization_id)
			VALUES (?, ?, ?, ?)
		`, name, description, authorID, organizationID)
		if err != nil {
			// Lost the race to a concurrent insert; the existing row wins.
			if IsUniqueViolation(translateError(err, "")) {
				pkg, err = s.GetPackageByName(ctx, name)
				return err
			}
			return translateError(err, fmt.Sprintf("failed to create package %s", name))
		}

		pkg, err = s.GetPackageByName(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// UpdatePackageMetadata refreshes the optional manifest-level fields of a
// package. Nil values leave the stored value untouched.
func (s *Store) UpdatePackageMetadata(ctx context.Context, packageID int64, homepage, repositoryURL, license, keywords *string) error {
	defer s.observe("update_package_metadata", time.Now())

	updates := []string{}
	args := []interface{}{}
	if homepage != nil {
		updates = append(updates, "homepage = ?")
		args = append(args, *homepage)
	}
	if repositoryURL != nil {
		updates = append(updates, "repository_url = ?")
		args = append(args, *repositoryURL)
	}
	if license != nil {
		updates = append(updates, "license = ?")
		args = append(args, *license)
	}
	if keywords != nil {
		updates = append(updates, "keywords = ?")
		args = append(args, *keywords)
	}
	if len(updates) == 0 {
		return nil
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, packageID)

	query := fmt.Sprintf("UPDATE packages SET %s WHERE id = ?", strings.Join(updates, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to update package metadata for %d", packageID))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("package %d: %w", packageID, ErrNotFound)
	}
	return nil
}

// SetPackagePrivate flips the privacy bit on a package.
func (s *Store) SetPackagePrivate(ctx context.Context, packageID int64, private bool) error {
	defer s.observe("set_package_private", time.Now())

	result, err := s.db.ExecContext(ctx,
		"UPDATE packages SET is_private = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		private, packageID)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to update privacy for package %d", packageID))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("package %d: %w", packageID, ErrNotFound)
	}
	return nil
}

// PackageExists reports whether a package row exists.
func (s *Store) PackageExists(ctx context.Context, name string) (bool, error) {
	defer s.observe("package_exists", time.Now())

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM packages WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, translateError(err, fmt.Sprintf("failed to check package %s", name))
	}
	return count > 0, nil
}

// PackagePublished reports whether a package has locally published versions,
// i.e. a package row with a local author.
func (s *Store) PackagePublished(ctx context.Context, name string) (bool, error) {
	defer s.observe("package_published", time.Now())

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM packages
		WHERE name = ? AND author_id IS NOT NULL
	`, name).Scan(&count)
	if err != nil {
		return false, translateError(err, fmt.Sprintf("failed to check published state of %s", name))
	}
	return count > 0, nil
}

// GetPackageWithVersions returns a package with all its versions and files,
// newest versions first. Returns nil (no error) when the package is unknown.
func (s *Store) GetPackageWithVersions(ctx context.Context, name string) (*PackageWithVersions, error) {
	defer s.observe("get_package_with_versions", time.Now())

	pkg, err := s.GetPackageByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	versions, err := s.loadVersionsWithFiles(ctx, pkg.ID)
	if err != nil {
		return nil, err
	}

	return &PackageWithVersions{Package: *pkg, Versions: versions}, nil
}

// loadVersionsWithFiles loads all versions of a package with their files
// using a single LEFT JOIN so versions without files are included.
func (s *Store) loadVersionsWithFiles(ctx context.Context, packageID int64) ([]VersionWithFiles, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			v.id, v.package_id, v.version, v.description, v.main_file,
			v.scripts, v.dependencies, v.dev_dependencies, v.peer_dependencies,
			v.engines, v.shasum, v.readme, v.created_at, v.updated_at,
			f.id, f.package_version_id, f.filename, f.size_bytes, f.content_type,
			f.etag, f.upstream_url, f.file_path, f.created_at, f.last_accessed, f.access_count
		FROM package_versions v
		LEFT JOIN package_files f ON f.package_version_id = v.id
		WHERE v.package_id = ?
		ORDER BY v.created_at DESC, v.id DESC
	`, packageID)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to load versions for package %d", packageID))
	}
	defer rows.Close()

	var ordered []int64
	byID := make(map[int64]*VersionWithFiles)

	for rows.Next() {
		var v PackageVersion
		var fileID, fileVersionID, fileSize, fileAccess sql.NullInt64
		var filename, fileContentType, fileETag, fileUpstreamURL, filePath sql.NullString
		var fileCreated, fileAccessed sql.NullTime

		err := rows.Scan(
			&v.ID, &v.PackageID, &v.Version, &v.Description, &v.MainFile,
			&v.Scripts, &v.Dependencies, &v.DevDependencies, &v.PeerDependencies,
			&v.Engines, &v.Shasum, &v.Readme, &v.CreatedAt, &v.UpdatedAt,
			&fileID, &fileVersionID, &filename, &fileSize, &fileContentType,
			&fileETag, &fileUpstreamURL, &filePath, &fileCreated, &fileAccessed, &fileAccess,
		)
		if err != nil {
			return nil, translateError(err, "failed to scan version row")
		}

		entry, ok := byID[v.ID]
		if !ok {
			entry = &VersionWithFiles{Version: v}
			byID[v.ID] = entry
			ordered = append(ordered, v.ID)
		}

		if fileID.Valid {
			file := PackageFile{
				ID:               fileID.Int64,
				PackageVersionID: fileVersionID.Int64,
				Filename:         filename.String,
				SizeBytes:        fileSize.Int64,
				UpstreamURL:      fileUpstreamURL.String,
				FilePath:         filePath.String,
				CreatedAt:        fileCreated.Time,
				LastAccessed:     fileAccessed.Time,
				AccessCount:      fileAccess.Int64,
			}
			if fileContentType.Valid {
				file.ContentType = &fileContentType.String
			}
			if fileETag.Valid {
				file.ETag = &fileETag.String
			}
			entry.Files = append(entry.Files, file)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, "failed to iterate version rows")
	}

	versions := make([]VersionWithFiles, 0, len(ordered))
	for _, id := range ordered {
		versions = append(versions, *byID[id])
	}
	return versions, nil
}

// Sort columns permitted by ListPackages.
var listSortColumns = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"id":         "id",
}

// ListPackages returns a page of packages plus the total row count. Sort
// column and direction compose the ORDER BY from validated inputs only.
func (s *Store) ListPackages(ctx context.Context, opts ListOptions) ([]*Package, int64, error) {
	defer s.observe("list_packages", time.Now())

	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	sortCol, ok := listSortColumns[opts.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		direction = "ASC"
	}

	where := ""
	args := []interface{}{}
	if opts.Search != "" {
		where = "WHERE name LIKE ? OR description LIKE ?"
		pattern := "%" + opts.Search + "%"
		args = append(args, pattern, pattern)
	}

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM packages %s", where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, translateError(err, "failed to count packages")
	}

	query := fmt.Sprintf(
		"SELECT %s FROM packages %s ORDER BY %s %s LIMIT ? OFFSET ?",
		packageColumns, where, sortCol, direction,
	)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, translateError(err, "failed to list packages")
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, 0, translateError(err, "failed to scan package row")
		}
		packages = append(packages, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, translateError(err, "failed to iterate package rows")
	}

	return packages, total, nil
}

// GetRecentPackages returns the most recently created packages.
func (s *Store) GetRecentPackages(ctx context.Context, limit int) ([]*Package, error) {
	defer s.observe("get_recent_packages", time.Now())

	if limit <= 0 || limit > 100 {
		limit = 10
	}

	query := fmt.Sprintf("SELECT %s FROM packages ORDER BY created_at DESC LIMIT ?", packageColumns)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, translateError(err, "failed to get recent packages")
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, translateError(err, "failed to scan package row")
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

// PopularPackage pairs a package with its download, version and size
// aggregates.
type PopularPackage struct {
	Package        Package `json:"package"`
	Downloads      int64   `json:"downloads"`
	VersionCount   int64   `json:"version_count"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
}

// GetPopularPackages returns packages ordered by summed file access counts,
// with the distinct version count and total stored bytes per package.
func (s *Store) GetPopularPackages(ctx context.Context, limit int) ([]*PopularPackage, error) {
	defer s.observe("get_popular_packages", time.Now())

	if limit <= 0 || limit > 100 {
		limit = 10
	}

	query := fmt.Sprintf(`
		SELECT %s,
			COALESCE(SUM(f.access_count), 0) AS downloads,
			COUNT(DISTINCT v.id) AS version_count,
			COALESCE(SUM(f.size_bytes), 0) AS total_size_bytes
		FROM packages p
		JOIN package_versions v ON v.package_id = p.id
		JOIN package_files f ON f.package_version_id = v.id
		GROUP BY p.id
		ORDER BY downloads DESC
		LIMIT ?
	`, prefixedPackageColumns("p"))

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, translateError(err, "failed to get popular packages")
	}
	defer rows.Close()

	var popular []*PopularPackage
	for rows.Next() {
		var entry PopularPackage
		err := rows.Scan(
			&entry.Package.ID,
			&entry.Package.Name,
			&entry.Package.Description,
			&entry.Package.AuthorID,
			&entry.Package.Homepage,
			&entry.Package.RepositoryURL,
			&entry.Package.License,
			&entry.Package.Keywords,
			&entry.Package.OrganizationID,
			&entry.Package.IsPrivate,
			&entry.Package.CreatedAt,
			&entry.Package.UpdatedAt,
			&entry.Downloads,
			&entry.VersionCount,
			&entry.TotalSizeBytes,
		)
		if err != nil {
			return nil, translateError(err, "failed to scan popular package row")
		}
		popular = append(popular, &entry)
	}
	return popular, rows.Err()
}

// CountPackages returns the total number of package rows.
func (s *Store) CountPackages(ctx context.Context) (int64, error) {
	defer s.observe("count_packages", time.Now())

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM packages").Scan(&count); err != nil {
		return 0, translateError(err, "failed to count packages")
	}
	return count, nil
}

func prefixedPackageColumns(alias string) string {
	return prefixColumns(packageColumns, alias)
}

func prefixColumns(columns, alias string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
