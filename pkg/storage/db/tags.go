package db

import (
	"context"
	"fmt"
	"time"
)

// UpsertTag points a dist-tag at a version, creating or moving it.
func (s *Store) UpsertTag(ctx context.Context, packageName, tagName, version string) (*PackageTag, error) {
	defer s.observe("upsert_tag", time.Now())

	if tagName == "" || version == "" {
		return nil, fmt.Errorf("tag name and version must not be empty: %w", ErrCheckViolation)
	}

	var tag *PackageTag
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO package_tags (package_name, tag_name, version)
			VALUES (?, ?, ?)
			ON CONFLICT(package_name, tag_name) DO UPDATE SET
				version = excluded.version,
				updated_at = CURRENT_TIMESTAMP
		`, packageName, tagName, version)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to upsert tag %s for %s", tagName, packageName))
		}

		tag = &PackageTag{}
		err = s.db.QueryRowContext(ctx, `
			SELECT id, package_name, tag_name, version, created_at, updated_at
			FROM package_tags
			WHERE package_name = ? AND tag_name = ?
		`, packageName, tagName).Scan(
			&tag.ID, &tag.PackageName, &tag.TagName, &tag.Version, &tag.CreatedAt, &tag.UpdatedAt)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to read back tag %s", tagName))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// GetTags returns all dist-tags of a package.
func (s *Store) GetTags(ctx context.Context, packageName string) ([]*PackageTag, error) {
	defer s.observe("get_tags", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package_name, tag_name, version, created_at, updated_at
		FROM package_tags
		WHERE package_name = ?
		ORDER BY tag_name ASC
	`, packageName)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get tags of %s", packageName))
	}
	defer rows.Close()

	var tags []*PackageTag
	for rows.Next() {
		var t PackageTag
		if err := rows.Scan(&t.ID, &t.PackageName, &t.TagName, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, translateError(err, "failed to scan tag row")
		}
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

// DeleteTag removes a dist-tag. Returns ErrNotFound when it did not exist.
func (s *Store) DeleteTag(ctx context.Context, packageName, tagName string) error {
	defer s.observe("delete_tag", time.Now())

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM package_tags WHERE package_name = ? AND tag_name = ?",
		packageName, tagName)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to delete tag %s of %s", tagName, packageName))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("tag %s of %s: %w", tagName, packageName, ErrNotFound)
	}
	return nil
}
