package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const versionColumns = `id, package_id, version, description, main_file, scripts, dependencies, dev_dependencies, peer_dependencies, engines, shasum, readme, created_at, updated_at`

func scanVersion(row rowScanner) (*PackageVersion, error) {
	var v PackageVersion
	err := row.Scan(
		&v.ID,
		&v.PackageID,
		&v.Version,
		&v.Description,
		&v.MainFile,
		&v.Scripts,
		&v.Dependencies,
		&v.DevDependencies,
		&v.PeerDependencies,
		&v.Engines,
		&v.Shasum,
		&v.Readme,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersion returns a single version row, or ErrNotFound.
func (s *Store) GetVersion(ctx context.Context, packageID int64, version string) (*PackageVersion, error) {
	defer s.observe("get_version", time.Now())

	query := fmt.Sprintf(`SELECT %s FROM package_versions WHERE package_id = ? AND version = ?`, versionColumns)
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, packageID, version))
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get version %s of package %d", version, packageID))
	}
	return v, nil
}

// GetVersions returns all versions of a package, newest first.
func (s *Store) GetVersions(ctx context.Context, packageID int64) ([]*PackageVersion, error) {
	defer s.observe("get_versions", time.Now())

	query := fmt.Sprintf(`
		SELECT %s FROM package_versions
		WHERE package_id = ?
		ORDER BY created_at DESC, id DESC
	`, versionColumns)
	rows, err := s.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get versions for package %d", packageID))
	}
	defer rows.Close()

	var versions []*PackageVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, translateError(err, "failed to scan version row")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// CreateOrGetVersion inserts a bare version row if it does not exist and
// returns the row either way.
func (s *Store) CreateOrGetVersion(ctx context.Context, packageID int64, version string) (*PackageVersion, error) {
	return s.CreateOrGetVersionWithMetadata(ctx, packageID, version, nil)
}

// CreateOrGetVersionWithMetadata inserts a version row with manifest fields
// extracted from the supplied package.json version document. When the row
// already exists, fields the earlier insert left empty are filled in from
// the document; populated fields are left untouched.
func (s *Store) CreateOrGetVersionWithMetadata(ctx context.Context, packageID int64, version string, versionDoc json.RawMessage) (*PackageVersion, error) {
	defer s.observe("create_or_get_version", time.Now())

	if version == "" {
		return nil, fmt.Errorf("version must not be empty: %w", ErrCheckViolation)
	}

	meta := ExtractVersionMetadata(versionDoc)

	var result *PackageVersion
	err := s.withRetry(ctx, func() error {
		existing, err := s.GetVersion(ctx, packageID, version)
		if err == nil {
			result, err = s.fillVersionMetadata(ctx, existing, meta)
			return err
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO package_versions (
				package_id, version, description, main_file, scripts,
				dependencies, dev_dependencies, peer_dependencies, engines, shasum, readme
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, packageID, version, meta.Description, meta.MainFile, meta.Scripts,
			meta.Dependencies, meta.DevDependencies, meta.PeerDependencies,
			meta.Engines, meta.Shasum, meta.Readme)
		if err != nil {
			if IsUniqueViolation(translateError(err, "")) {
				result, err = s.GetVersion(ctx, packageID, version)
				return err
			}
			return translateError(err, fmt.Sprintf("failed to create version %s for package %d", version, packageID))
		}

		result, err = s.GetVersion(ctx, packageID, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fillVersionMetadata backfills manifest fields the stored row is missing.
func (s *Store) fillVersionMetadata(ctx context.Context, existing *PackageVersion, meta VersionMetadata) (*PackageVersion, error) {
	updates := []string{}
	args := []interface{}{}

	fill := func(column string, current *string, incoming *string) {
		if current == nil && incoming != nil {
			updates = append(updates, column+" = ?")
			args = append(args, *incoming)
		}
	}
	fill("description", existing.Description, meta.Description)
	fill("main_file", existing.MainFile, meta.MainFile)
	fill("scripts", existing.Scripts, meta.Scripts)
	fill("dependencies", existing.Dependencies, meta.Dependencies)
	fill("dev_dependencies", existing.DevDependencies, meta.DevDependencies)
	fill("peer_dependencies", existing.PeerDependencies, meta.PeerDependencies)
	fill("engines", existing.Engines, meta.Engines)
	fill("shasum", existing.Shasum, meta.Shasum)
	fill("readme", existing.Readme, meta.Readme)

	if len(updates) == 0 {
		return existing, nil
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, existing.ID)

	query := fmt.Sprintf("UPDATE package_versions SET %s WHERE id = ?", strings.Join(updates, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to backfill version %d", existing.ID))
	}
	return s.GetVersion(ctx, existing.PackageID, existing.Version)
}

// versionManifest mirrors the manifest fields the store keeps per version.
type versionManifest struct {
	Description      *string         `json:"description"`
	Main             *string         `json:"main"`
	Scripts          json.RawMessage `json:"scripts"`
	Dependencies     json.RawMessage `json:"dependencies"`
	DevDependencies  json.RawMessage `json:"devDependencies"`
	PeerDependencies json.RawMessage `json:"peerDependencies"`
	Engines          json.RawMessage `json:"engines"`
	Readme           *string         `json:"readme"`
	Dist             struct {
		Shasum *string `json:"shasum"`
	} `json:"dist"`
}

// ExtractVersionMetadata pulls the stored manifest fields out of a
// package.json version document. A nil or unparseable document yields an
// empty extraction rather than an error; manifests from the wild are best
// effort.
func ExtractVersionMetadata(versionDoc json.RawMessage) VersionMetadata {
	var meta VersionMetadata
	if len(versionDoc) == 0 {
		return meta
	}

	var manifest versionManifest
	if err := json.Unmarshal(versionDoc, &manifest); err != nil {
		return meta
	}

	meta.Description = manifest.Description
	meta.MainFile = manifest.Main
	meta.Scripts = rawToString(manifest.Scripts)
	meta.Dependencies = rawToString(manifest.Dependencies)
	meta.DevDependencies = rawToString(manifest.DevDependencies)
	meta.PeerDependencies = rawToString(manifest.PeerDependencies)
	meta.Engines = rawToString(manifest.Engines)
	meta.Shasum = manifest.Dist.Shasum
	meta.Readme = manifest.Readme
	return meta
}

func rawToString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	str := string(raw)
	return &str
}

// VersionExists reports whether a version row exists for the package.
func (s *Store) VersionExists(ctx context.Context, packageID int64, version string) (bool, error) {
	defer s.observe("version_exists", time.Now())

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM package_versions WHERE package_id = ? AND version = ?",
		packageID, version).Scan(&count)
	if err != nil {
		return false, translateError(err, fmt.Sprintf("failed to check version %s of package %d", version, packageID))
	}
	return count > 0, nil
}

// GetVersionID returns just the row id of a version, or ErrNotFound.
func (s *Store) GetVersionID(ctx context.Context, packageID int64, version string) (int64, error) {
	defer s.observe("get_version_id", time.Now())

	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM package_versions WHERE package_id = ? AND version = ?",
		packageID, version).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("version %s of package %d: %w", version, packageID, ErrNotFound)
		}
		return 0, translateError(err, "failed to get version id")
	}
	return id, nil
}
