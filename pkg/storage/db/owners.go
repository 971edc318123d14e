package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CreateOwner records an ownership row for a package. Duplicate owners are
// updated to the new permission level.
func (s *Store) CreateOwner(ctx context.Context, packageName string, userID int64, permissionLevel string) (*PackageOwner, error) {
	defer s.observe("create_owner", time.Now())

	switch permissionLevel {
	case PermissionRead, PermissionWrite, PermissionAdmin:
	default:
		return nil, fmt.Errorf("invalid permission level %q: %w", permissionLevel, ErrCheckViolation)
	}

	var owner *PackageOwner
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO package_owners (package_name, user_id, permission_level)
			VALUES (?, ?, ?)
			ON CONFLICT(package_name, user_id) DO UPDATE SET
				permission_level = excluded.permission_level
		`, packageName, userID, permissionLevel)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to create owner for %s", packageName))
		}

		owner = &PackageOwner{}
		err = s.db.QueryRowContext(ctx, `
			SELECT id, package_name, user_id, permission_level, created_at
			FROM package_owners
			WHERE package_name = ? AND user_id = ?
		`, packageName, userID).Scan(
			&owner.ID, &owner.PackageName, &owner.UserID, &owner.PermissionLevel, &owner.CreatedAt)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to read back owner for %s", packageName))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return owner, nil
}

// GetOwners returns all ownership rows for a package.
func (s *Store) GetOwners(ctx context.Context, packageName string) ([]*PackageOwner, error) {
	defer s.observe("get_owners", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package_name, user_id, permission_level, created_at
		FROM package_owners
		WHERE package_name = ?
		ORDER BY created_at ASC
	`, packageName)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get owners of %s", packageName))
	}
	defer rows.Close()

	var owners []*PackageOwner
	for rows.Next() {
		var o PackageOwner
		if err := rows.Scan(&o.ID, &o.PackageName, &o.UserID, &o.PermissionLevel, &o.CreatedAt); err != nil {
			return nil, translateError(err, "failed to scan owner row")
		}
		owners = append(owners, &o)
	}
	return owners, rows.Err()
}

// RemoveOwner deletes an ownership row. Returns ErrNotFound when the user
// was not an owner.
func (s *Store) RemoveOwner(ctx context.Context, packageName string, userID int64) error {
	defer s.observe("remove_owner", time.Now())

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM package_owners WHERE package_name = ? AND user_id = ?",
		packageName, userID)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to remove owner of %s", packageName))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("owner of %s: %w", packageName, ErrNotFound)
	}
	return nil
}

func (s *Store) ownerPermission(ctx context.Context, packageName string, userID int64) (string, error) {
	var level string
	err := s.db.QueryRowContext(ctx, `
		SELECT permission_level FROM package_owners
		WHERE package_name = ? AND user_id = ?
	`, packageName, userID).Scan(&level)
	if err != nil {
		return "", translateError(err, fmt.Sprintf("failed to get permission for %s", packageName))
	}
	return level, nil
}

// HasReadPermission reports whether the user holds any ownership level on
// the package.
func (s *Store) HasReadPermission(ctx context.Context, packageName string, userID int64) (bool, error) {
	defer s.observe("has_read_permission", time.Now())

	_, err := s.ownerPermission(ctx, packageName, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HasWritePermission reports whether the user holds write or admin on the
// package.
func (s *Store) HasWritePermission(ctx context.Context, packageName string, userID int64) (bool, error) {
	defer s.observe("has_write_permission", time.Now())

	level, err := s.ownerPermission(ctx, packageName, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return level == PermissionWrite || level == PermissionAdmin, nil
}

// CanPublish reports whether the user may publish the package: anyone may
// claim a package with no owners, otherwise write or admin is required.
func (s *Store) CanPublish(ctx context.Context, packageName string, userID int64) (bool, error) {
	defer s.observe("can_publish", time.Now())

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM package_owners WHERE package_name = ?",
		packageName).Scan(&count)
	if err != nil {
		return false, translateError(err, fmt.Sprintf("failed to count owners of %s", packageName))
	}
	if count == 0 {
		return true, nil
	}
	return s.HasWritePermission(ctx, packageName, userID)
}
