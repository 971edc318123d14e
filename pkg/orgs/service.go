// Package orgs layers permission checks over the organization tables:
// who may see, change and delete an organization and its memberships.
// Scope-to-organization resolution during publish lives in the store; this
// service backs the management API.
package orgs

import (
	"context"
	"errors"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

// Service enforces role-based access on organization management.
type Service struct {
	store  *db.Store
	logger *observability.Logger
}

// NewService creates the organization service.
func NewService(store *db.Store, logger *observability.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// OrganizationDetail is an organization with its membership roster.
type OrganizationDetail struct {
	Organization db.Organization      `json:"organization"`
	Members      []*db.MemberWithUser `json:"members"`
}

// ValidateName checks an organization name against the naming rules: up to
// 50 characters, starting with an ASCII letter or underscore, containing
// only ASCII letters, digits, underscores, hyphens and dots.
func ValidateName(name string) error {
	if name == "" {
		return apierrors.BadRequest("organization name must not be empty")
	}
	if len(name) > 50 {
		return apierrors.BadRequest("organization name must be at most 50 characters")
	}
	first := name[0]
	if !isASCIILetter(first) && first != '_' {
		return apierrors.BadRequest("organization name must start with a letter or underscore")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isASCIILetter(c) || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.' {
			continue
		}
		return apierrors.BadRequest("organization name contains invalid character %q", string(c))
	}
	return nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Create makes a new organization owned by the actor.
func (s *Service) Create(ctx context.Context, actorID int64, name string, displayName, description *string) (*db.Organization, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	org, err := s.store.CreateOrganization(ctx, name, displayName, description, actorID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apierrors.Conflict("organization %s already exists", name)
		}
		return nil, apierrors.Database(err, "failed to create organization %s", name)
	}

	s.logger.WithField("organization", name).Info("organization created")
	return org, nil
}

func (s *Service) org(ctx context.Context, name string) (*db.Organization, error) {
	org, err := s.store.GetOrganizationByName(ctx, name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apierrors.NotFound("organization %s not found", name)
		}
		return nil, apierrors.Database(err, "failed to load organization %s", name)
	}
	return org, nil
}

func (s *Service) requireRole(ctx context.Context, orgID, actorID int64, role string) error {
	ok, err := s.store.CheckPermission(ctx, orgID, actorID, role)
	if err != nil {
		return apierrors.Database(err, "failed to check permission")
	}
	if !ok {
		return apierrors.Forbidden("requires %s role in this organization", role)
	}
	return nil
}

// Get returns an organization and its members. Any member may look; the
// roster is not public.
func (s *Service) Get(ctx context.Context, actorID int64, name string) (*OrganizationDetail, error) {
	org, err := s.org(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, org.ID, actorID, db.RoleMember); err != nil {
		return nil, err
	}

	members, err := s.store.GetMembers(ctx, org.ID)
	if err != nil {
		return nil, apierrors.Database(err, "failed to load members of %s", name)
	}
	return &OrganizationDetail{Organization: *org, Members: members}, nil
}

// Update changes display name and/or description. Requires admin.
func (s *Service) Update(ctx context.Context, actorID int64, name string, displayName, description *string) error {
	org, err := s.org(ctx, name)
	if err != nil {
		return err
	}
	if err := s.requireRole(ctx, org.ID, actorID, db.RoleAdmin); err != nil {
		return err
	}

	if err := s.store.UpdateOrganization(ctx, org.ID, displayName, description); err != nil {
		return apierrors.Database(err, "failed to update organization %s", name)
	}
	return nil
}

// Delete removes an organization. Requires owner; refused while packages
// still belong to it.
func (s *Service) Delete(ctx context.Context, actorID int64, name string) error {
	org, err := s.org(ctx, name)
	if err != nil {
		return err
	}
	if err := s.requireRole(ctx, org.ID, actorID, db.RoleOwner); err != nil {
		return err
	}

	if err := s.store.DeleteOrganization(ctx, org.ID); err != nil {
		if db.IsForeignKeyViolation(err) {
			return apierrors.Conflict("organization %s still owns packages", name)
		}
		return apierrors.Database(err, "failed to delete organization %s", name)
	}

	s.logger.WithField("organization", name).Info("organization deleted")
	return nil
}

// AddMember enrolls a user by username. Requires admin; granting the owner
// role requires owner.
func (s *Service) AddMember(ctx context.Context, actorID int64, orgName, username, role string) (*db.OrganizationMember, error) {
	if !db.ValidRole(role) {
		return nil, apierrors.BadRequest("invalid role %q", role)
	}

	org, err := s.org(ctx, orgName)
	if err != nil {
		return nil, err
	}

	required := db.RoleAdmin
	if role == db.RoleOwner {
		required = db.RoleOwner
	}
	if err := s.requireRole(ctx, org.ID, actorID, required); err != nil {
		return nil, err
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apierrors.NotFound("user %s not found", username)
		}
		return nil, apierrors.Database(err, "failed to look up user %s", username)
	}

	member, err := s.store.AddMember(ctx, org.ID, user.ID, role)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apierrors.Conflict("%s is already a member of %s", username, orgName)
		}
		return nil, apierrors.Database(err, "failed to add %s to %s", username, orgName)
	}
	return member, nil
}

// UpdateMemberRole changes a member's role. Requires admin; touching the
// owner role (either direction) requires owner.
func (s *Service) UpdateMemberRole(ctx context.Context, actorID int64, orgName, username, role string) error {
	if !db.ValidRole(role) {
		return apierrors.BadRequest("invalid role %q", role)
	}

	org, err := s.org(ctx, orgName)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apierrors.NotFound("user %s not found", username)
		}
		return apierrors.Database(err, "failed to look up user %s", username)
	}

	required := db.RoleAdmin
	if role == db.RoleOwner {
		required = db.RoleOwner
	}
	if current, err := s.store.GetMembers(ctx, org.ID); err == nil {
		for _, m := range current {
			if m.UserID == user.ID && m.Role == db.RoleOwner {
				required = db.RoleOwner
			}
		}
	}
	if err := s.requireRole(ctx, org.ID, actorID, required); err != nil {
		return err
	}

	if err := s.store.UpdateMemberRole(ctx, org.ID, user.ID, role); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			return apierrors.NotFound("%s is not a member of %s", username, orgName)
		case db.IsCheckViolation(err):
			return apierrors.Conflict("cannot demote the last owner of %s", orgName)
		default:
			return apierrors.Database(err, "failed to update role of %s", username)
		}
	}
	return nil
}

// RemoveMember removes a user from an organization. Admins may remove
// members; anyone may remove themselves. The last owner cannot leave.
func (s *Service) RemoveMember(ctx context.Context, actorID int64, orgName, username string) error {
	org, err := s.org(ctx, orgName)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return apierrors.NotFound("user %s not found", username)
		}
		return apierrors.Database(err, "failed to look up user %s", username)
	}

	if user.ID != actorID {
		if err := s.requireRole(ctx, org.ID, actorID, db.RoleAdmin); err != nil {
			return err
		}
	}

	if err := s.store.RemoveMember(ctx, org.ID, user.ID); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			return apierrors.NotFound("%s is not a member of %s", username, orgName)
		case db.IsCheckViolation(err):
			return apierrors.Conflict("cannot remove the last owner of %s", orgName)
		default:
			return apierrors.Database(err, "failed to remove %s from %s", username, orgName)
		}
	}
	return nil
}
