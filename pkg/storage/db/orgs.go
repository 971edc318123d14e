package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const organizationColumns = `id, name, display_name, description, created_at, updated_at`

func scanOrganization(row rowScanner) (*Organization, error) {
	var org Organization
	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.DisplayName,
		&org.Description,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// ExtractOrganizationName maps a scoped package name to its organization
// name: "@scope/pkg" yields "scope". Unscoped names yield "".
func ExtractOrganizationName(packageName string) string {
	if !strings.HasPrefix(packageName, "@") {
		return ""
	}
	scope, _, found := strings.Cut(packageName[1:], "/")
	if !found {
		return ""
	}
	return scope
}

// CreateOrganization creates an organization and enrolls the creator as its
// owner in one transaction.
func (s *Store) CreateOrganization(ctx context.Context, name string, displayName, description *string, creatorID int64) (*Organization, error) {
	defer s.observe("create_organization", time.Now())

	if name == "" {
		return nil, fmt.Errorf("organization name must not be empty: %w", ErrCheckViolation)
	}

	var org *Organization
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return translateError(err, "failed to start transaction")
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx,
			"INSERT INTO organizations (name, display_name, description) VALUES (?, ?, ?)",
			name, displayName, description)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to create organization %s", name))
		}

		query := fmt.Sprintf("SELECT %s FROM organizations WHERE name = ?", organizationColumns)
		org, err = scanOrganization(tx.QueryRowContext(ctx, query, name))
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to read back organization %s", name))
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO organization_members (user_id, organization_id, role) VALUES (?, ?, ?)",
			creatorID, org.ID, RoleOwner)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to enroll creator in %s", name))
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganizationByName returns an organization by name, or ErrNotFound.
func (s *Store) GetOrganizationByName(ctx context.Context, name string) (*Organization, error) {
	defer s.observe("get_organization", time.Now())

	query := fmt.Sprintf("SELECT %s FROM organizations WHERE name = ?", organizationColumns)
	org, err := scanOrganization(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get organization %s", name))
	}
	return org, nil
}

// GetOrganizationByID returns an organization by id, or ErrNotFound.
func (s *Store) GetOrganizationByID(ctx context.Context, id int64) (*Organization, error) {
	defer s.observe("get_organization", time.Now())

	query := fmt.Sprintf("SELECT %s FROM organizations WHERE id = ?", organizationColumns)
	org, err := scanOrganization(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get organization %d", id))
	}
	return org, nil
}

// UpdateOrganization refreshes display name and description. Nil values
// leave the stored value untouched.
func (s *Store) UpdateOrganization(ctx context.Context, id int64, displayName, description *string) error {
	defer s.observe("update_organization", time.Now())

	updates := []string{}
	args := []interface{}{}
	if displayName != nil {
		updates = append(updates, "display_name = ?")
		args = append(args, *displayName)
	}
	if description != nil {
		updates = append(updates, "description = ?")
		args = append(args, *description)
	}
	if len(updates) == 0 {
		return nil
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE organizations SET %s WHERE id = ?", strings.Join(updates, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to update organization %d", id))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("organization %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteOrganization removes an organization and its memberships. The
// delete is refused with a foreign key violation while packages still
// reference the organization.
func (s *Store) DeleteOrganization(ctx context.Context, id int64) error {
	defer s.observe("delete_organization", time.Now())

	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return translateError(err, "failed to start transaction")
		}
		defer tx.Rollback()

		var packageCount int
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM packages WHERE organization_id = ?", id).Scan(&packageCount)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to count packages of organization %d", id))
		}
		if packageCount > 0 {
			return fmt.Errorf("organization %d still owns %d packages: %w", id, packageCount, ErrForeignKeyViolation)
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM organization_members WHERE organization_id = ?", id); err != nil {
			return translateError(err, fmt.Sprintf("failed to delete members of organization %d", id))
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM organizations WHERE id = ?", id)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to delete organization %d", id))
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("organization %d: %w", id, ErrNotFound)
		}

		return tx.Commit()
	})
}

// AddMember enrolls a user in an organization with the given role.
func (s *Store) AddMember(ctx context.Context, organizationID, userID int64, role string) (*OrganizationMember, error) {
	defer s.observe("add_member", time.Now())

	if !ValidRole(role) {
		return nil, fmt.Errorf("invalid role %q: %w", role, ErrCheckViolation)
	}

	var member *OrganizationMember
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO organization_members (user_id, organization_id, role) VALUES (?, ?, ?)",
			userID, organizationID, role)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to add member %d to organization %d", userID, organizationID))
		}

		member, err = s.getMember(ctx, organizationID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Store) getMember(ctx context.Context, organizationID, userID int64) (*OrganizationMember, error) {
	var m OrganizationMember
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, organization_id, role, created_at
		FROM organization_members
		WHERE organization_id = ? AND user_id = ?
	`, organizationID, userID).Scan(&m.ID, &m.UserID, &m.OrganizationID, &m.Role, &m.CreatedAt)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get member %d of organization %d", userID, organizationID))
	}
	return &m, nil
}

// UpdateMemberRole changes a member's role. Demoting the last owner is
// refused.
func (s *Store) UpdateMemberRole(ctx context.Context, organizationID, userID int64, role string) error {
	defer s.observe("update_member_role", time.Now())

	if !ValidRole(role) {
		return fmt.Errorf("invalid role %q: %w", role, ErrCheckViolation)
	}

	return s.withRetry(ctx, func() error {
		member, err := s.getMember(ctx, organizationID, userID)
		if err != nil {
			return err
		}
		if member.Role == RoleOwner && role != RoleOwner {
			count, err := s.countOwners(ctx, organizationID)
			if err != nil {
				return err
			}
			if count <= 1 {
				return fmt.Errorf("cannot demote the last owner of organization %d: %w", organizationID, ErrCheckViolation)
			}
		}

		_, err = s.db.ExecContext(ctx,
			"UPDATE organization_members SET role = ? WHERE organization_id = ? AND user_id = ?",
			role, organizationID, userID)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to update role of member %d", userID))
		}
		return nil
	})
}

// RemoveMember removes a user from an organization. Removing the last
// owner is refused.
func (s *Store) RemoveMember(ctx context.Context, organizationID, userID int64) error {
	defer s.observe("remove_member", time.Now())

	return s.withRetry(ctx, func() error {
		member, err := s.getMember(ctx, organizationID, userID)
		if err != nil {
			return err
		}
		if member.Role == RoleOwner {
			count, err := s.countOwners(ctx, organizationID)
			if err != nil {
				return err
			}
			if count <= 1 {
				return fmt.Errorf("cannot remove the last owner of organization %d: %w", organizationID, ErrCheckViolation)
			}
		}

		_, err = s.db.ExecContext(ctx,
			"DELETE FROM organization_members WHERE organization_id = ? AND user_id = ?",
			organizationID, userID)
		if err != nil {
			return translateError(err, fmt.Sprintf("failed to remove member %d", userID))
		}
		return nil
	})
}

func (s *Store) countOwners(ctx context.Context, organizationID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM organization_members WHERE organization_id = ? AND role = ?",
		organizationID, RoleOwner).Scan(&count)
	if err != nil {
		return 0, translateError(err, fmt.Sprintf("failed to count owners of organization %d", organizationID))
	}
	return count, nil
}

// GetMembers returns all members of an organization joined with their user
// identity, owners first.
func (s *Store) GetMembers(ctx context.Context, organizationID int64) ([]*MemberWithUser, error) {
	defer s.observe("get_members", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.organization_id, m.role, m.created_at, u.username, u.email
		FROM organization_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.organization_id = ?
		ORDER BY
			CASE m.role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 ELSE 2 END,
			u.username ASC
	`, organizationID)
	if err != nil {
		return nil, translateError(err, fmt.Sprintf("failed to get members of organization %d", organizationID))
	}
	defer rows.Close()

	var members []*MemberWithUser
	for rows.Next() {
		var m MemberWithUser
		err := rows.Scan(&m.ID, &m.UserID, &m.OrganizationID, &m.Role, &m.CreatedAt, &m.Username, &m.Email)
		if err != nil {
			return nil, translateError(err, "failed to scan member row")
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

// CheckPermission reports whether the user holds at least requiredRole in
// the organization. Non-members hold no role.
func (s *Store) CheckPermission(ctx context.Context, organizationID, userID int64, requiredRole string) (bool, error) {
	defer s.observe("check_permission", time.Now())

	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT role FROM organization_members WHERE organization_id = ? AND user_id = ?",
		organizationID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, translateError(err, fmt.Sprintf("failed to check permission in organization %d", organizationID))
	}
	return RoleAtLeast(role, requiredRole), nil
}

// GetOrCreateOrganizationForPackage resolves the organization backing a
// scoped package name, creating it (with the user as owner) when missing.
// Unscoped names resolve to nil.
func (s *Store) GetOrCreateOrganizationForPackage(ctx context.Context, packageName string, userID int64) (*Organization, error) {
	defer s.observe("get_or_create_organization", time.Now())

	orgName := ExtractOrganizationName(packageName)
	if orgName == "" {
		return nil, nil
	}

	org, err := s.GetOrganizationByName(ctx, orgName)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	org, err = s.CreateOrganization(ctx, orgName, nil, nil, userID)
	if err != nil {
		// Concurrent creation; the existing organization wins.
		if IsUniqueViolation(err) {
			return s.GetOrganizationByName(ctx, orgName)
		}
		return nil, err
	}
	return org, nil
}

// LinkPackageToOrganization points a package row at an organization.
func (s *Store) LinkPackageToOrganization(ctx context.Context, packageID, organizationID int64) error {
	defer s.observe("link_package_to_organization", time.Now())

	result, err := s.db.ExecContext(ctx,
		"UPDATE packages SET organization_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		organizationID, packageID)
	if err != nil {
		return translateError(err, fmt.Sprintf("failed to link package %d to organization %d", packageID, organizationID))
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
