package db

import (
	"context"
	"fmt"
	"time"
)

const fileColumns = `id, package_version_id, filename, size_bytes, content_type, etag, upstream_url, file_path, created_at, last_accessed, access_count`

func scanFile(row rowScanner) (*PackageFile, error) {
	var f PackageFile
	err := row.Scan(
		&f.ID,
		&f.PackageVersionID,
		&f.Filename,
		&f.SizeBytes,
		&f.ContentType,
		&f.ETag,
		&f.UpstreamURL,
		&f.FilePath,
		&f.CreatedAt,
		&f.LastAccessed,
		&f.AccessCount,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateOrUpdateFile upserts a file row keyed on (version, filename),
// refreshing size, content type, etag and path on conflict.
func (s *Store) CreateOrUpdateFile(ctx context.Context, versionID int64, filename string, sizeBytes int64, contentType, etag *string, upstreamURL, filePath string) (*PackageFile, error) {
	defer s.observe("create_or_update_file", time.Now())

	if filename == "" {
		return nil, fmt.Errorf("filename must not be empty: %w", ErrCheckViolation)
	}

	var file *PackageFile
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO package_files (
				package_version_id, filename, size_bytes, content_type, etag, upstream_url, file_path
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(package_version_id, filename) DO UPDATE SET
				size_bytes = excluded.size_bytes,
				content_type = excluded.content_type,
				etag = excluded.etag,
				upstream_url = excluded.upstream_url,
				file_path = excluded.file_path
		`, versionID, filename, sizeBytes, contentType, etag, upstreamURL, filePath)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to upsert file %s for version %d", filename, versionID))
		}

		query := fmt.Sprintf(`SELECT %s FROM package_files WHERE package_version_id = ? AND filename = ?`, fileColumns)
		file, err = scanFile(s.db.QueryRowContext(ctx, query, versionID, filename))
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to read back file %s", filename))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// FileRecord joins a file row with its package and version.
type FileRecord struct {
	Package Package        `json:"package"`
	Version PackageVersion `json:"version"`
	File    PackageFile    `json:"file"`
}

// GetFile resolves a package name and tarball filename to the full record,
// or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, packageName, filename string) (*FileRecord, error) {
	defer s.observe("get_file", time.Now())

	query := fmt.Sprintf(`
		SELECT %s, %s, %s
		FROM packages p
		JOIN package_versions v ON v.package_id = p.id
		JOIN package_files f ON f.package_version_id = v.id
		WHERE p.name = ? AND f.filename = ?
		LIMIT 1
	`, prefixedPackageColumns("p"), prefixedVersionColumns("v"), prefixedFileColumns("f"))

	var rec FileRecord
	err := s.db.QueryRowContext(ctx, query, packageName, filename).Scan(
		&rec.Package.ID, &rec.Package.Name, &rec.Package.Description,
		&rec.Package.AuthorID, &rec.Package.Homepage, &rec.Package.RepositoryURL,
		&rec.Package.License, &rec.Package.Keywords, &rec.Package.OrganizationID,
		&rec.Package.IsPrivate, &rec.Package.CreatedAt, &rec.Package.UpdatedAt,
		&rec.Version.ID, &rec.Version.PackageID, &rec.Version.Version,
		&rec.Version.Description, &rec.Version.MainFile, &rec.Version.Scripts,
		&rec.Version.Dependencies, &rec.Version.DevDependencies,
		&rec.Version.PeerDependencies, &rec.Version.Engines, &rec.Version.Shasum,
		&rec.Version.Readme, &rec.Version.CreatedAt, &rec.Version.UpdatedAt,
		&rec.File.ID, &rec.File.PackageVersionID, &rec.File.Filename,
		&rec.File.SizeBytes, &rec.File.ContentType, &rec.File.ETag,
		&rec.File.UpstreamURL, &rec.File.FilePath, &rec.File.CreatedAt,
		&rec.File.LastAccessed, &rec.File.AccessCount,
	)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get file %s of package %s", filename, packageName))
	}
	return &rec, nil
}

// TouchFileAccess bumps the access bookkeeping on a file row. A missing row
// is not an error; files can be served before their record lands.
func (s *Store) TouchFileAccess(ctx context.Context, fileID int64) error {
	defer s.observe("touch_file_access", time.Now())

	_, err := s.db.ExecContext(ctx, `
		UPDATE package_files
		SET last_accessed = CURRENT_TIMESTAMP, access_count = access_count + 1
		WHERE id = ?
	`, fileID)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to touch file %d", fileID))
	}
	return nil
}

// CreateCompletePackageEntry registers a package, a version and a file in
// one transaction. The cache uses it when persisting a tarball fetched from
// upstream, so the rows carry no author.
func (s *Store) CreateCompletePackageEntry(ctx context.Context, packageName, version, filename string, sizeBytes int64, contentType, etag *string, upstreamURL, filePath string) (*PackageFile, error) {
	defer s.observe("create_complete_package_entry", time.Now())

	var file *PackageFile
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return translateError(err, "failed to start transaction")
		}
		defer tx.Rollback()

		var packageID int64
		err = tx.QueryRowContext(ctx, "SELECT id FROM packages WHERE name = ?", packageName).Scan(&packageID)
		if err != nil {
			if _, err := tx.ExecContext(ctx, "INSERT INTO packages (name) VALUES (?)", packageName); err != nil {
				return translateError(err, fmt.Sprintf("failed to create package %s", packageName))
			}
			if err := tx.QueryRowContext(ctx, "SELECT id FROM packages WHERE name = ?", packageName).Scan(&packageID); err != nil {
				return translateError(err, fmt.Sprintf("failed to read back package %s", packageName))
			}
		}

		var versionID int64
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM package_versions WHERE package_id = ? AND version = ?",
			packageID, version).Scan(&versionID)
		if err != nil {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO package_versions (package_id, version) VALUES (?, ?)",
				packageID, version); err != nil {
				return translateError(err, fmt.Sprintf("failed to create version %s of %s", version, packageName))
			}
			if err := tx.QueryRowContext(ctx,
				"SELECT id FROM package_versions WHERE package_id = ? AND version = ?",
				packageID, version).Scan(&versionID); err != nil {
				return translateError(err, fmt.Sprintf("failed to read back version %s of %s", version, packageName))
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO package_files (
				package_version_id, filename, size_bytes, content_type, etag, upstream_url, file_path
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(package_version_id, filename) DO UPDATE SET
				size_bytes = excluded.size_bytes,
				content_type = excluded.content_type,
				etag = excluded.etag,
				upstream_url = excluded.upstream_url,
				file_path = excluded.file_path
		`, versionID, filename, sizeBytes, contentType, etag, upstreamURL, filePath)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to upsert file %s of %s", filename, packageName))
		}

		query := fmt.Sprintf(`SELECT %s FROM package_files WHERE package_version_id = ? AND filename = ?`, fileColumns)
		file, err = scanFile(tx.QueryRowContext(ctx, query, versionID, filename))
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to read back file %s", filename))
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func prefixedVersionColumns(alias string) string {
	return prefixColumns(versionColumns, alias)
}

func prefixedFileColumns(alias string) string {
	return prefixColumns(fileColumns, alias)
}
