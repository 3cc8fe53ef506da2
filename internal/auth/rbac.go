package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mrocore.org/internal/obs"
)

// RBACService manages roles, the permission catalog and role assignments.
type RBACService struct {
	store   Store
	auditor Auditor
	now     func() time.Time
}

// NewRBACService constructs the service. auditor may be nil.
func NewRBACService(store Store, auditor Auditor) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &RBACService{store: store, auditor: auditor, now: time.Now}, nil
}

// NewUser describes an account to create.
type NewUser struct {
	Name                string
	EmployeeNumber      string
	Department          string
	Password            string
	IsAdmin             bool
	ForcePasswordChange bool
}

// EnsureBuiltins seeds the permission catalog and the system roles.
// Existing system roles keep their (editable) permission sets.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	if err := s.store.EnsurePermissions(ctx, BuiltinPermissions); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	for _, sys := range SystemRoles {
		_, err := s.store.FindRoleByName(ctx, sys.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		role, err := s.store.CreateRole(ctx, Role{Name: sys.Name, Description: sys.Description, IsSystemRole: true})
		if err != nil {
			return fmt.Errorf("create system role %s: %w", sys.Name, err)
		}
		if err := s.store.SetRolePermissions(ctx, role.ID, sys.Permissions); err != nil {
			return fmt.Errorf("seed system role %s: %w", sys.Name, err)
		}
	}
	return nil
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *RBACService) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.FindRole(ctx, roleID)
}

func (s *RBACService) CreateRole(ctx context.Context, actor, name, description string, permissions []string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if err := s.validatePermissionNames(ctx, permissions); err != nil {
		return Role{}, err
	}
	role, err := s.store.CreateRole(ctx, Role{Name: name, Description: strings.TrimSpace(description)})
	if err != nil {
		return Role{}, err
	}
	if len(permissions) > 0 {
		if err := s.store.SetRolePermissions(ctx, role.ID, permissions); err != nil {
			return Role{}, err
		}
	}
	s.record(ctx, AuditEntry{
		ActorUserID: actor, Action: "rbac.role.create", ResourceType: "role", ResourceID: role.ID,
		Metadata: map[string]string{"name": role.Name},
	})
	return s.store.FindRole(ctx, role.ID)
}

func (s *RBACService) UpdateRole(ctx context.Context, actor, roleID string, upd RoleUpdate) (Role, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystemRole {
		return Role{}, ErrSystemRole
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &trimmed
	}
	if upd.Description != nil {
		trimmed := strings.TrimSpace(*upd.Description)
		upd.Description = &trimmed
	}
	updated, err := s.store.UpdateRole(ctx, role.ID, upd)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, AuditEntry{
		ActorUserID: actor, Action: "rbac.role.update", ResourceType: "role", ResourceID: role.ID,
		Metadata: map[string]string{"name": updated.Name},
	})
	return updated, nil
}

func (s *RBACService) DeleteRole(ctx context.Context, actor, roleID string) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return ErrSystemRole
	}
	if err := s.store.DeleteRole(ctx, role.ID); err != nil {
		return err
	}
	s.record(ctx, AuditEntry{
		ActorUserID: actor, Action: "rbac.role.delete", ResourceType: "role", ResourceID: role.ID,
		Metadata: map[string]string{"name": role.Name},
	})
	return nil
}

// SetRolePermissions replaces a role's permission set. Allowed for system roles.
func (s *RBACService) SetRolePermissions(ctx context.Context, actor, roleID string, names []string) error {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.validatePermissionNames(ctx, names); err != nil {
		return err
	}
	if err := s.store.SetRolePermissions(ctx, role.ID, names); err != nil {
		return err
	}
	s.record(ctx, AuditEntry{
		ActorUserID: actor, Action: "rbac.role.permissions.update", ResourceType: "role", ResourceID: role.ID,
		Metadata: map[string]string{"permissions": strings.Join(names, ","), "count": fmt.Sprintf("%d", len(names))},
	})
	return nil
}

// SetUserRoles replaces the roles assigned to a user.
func (s *RBACService) SetUserRoles(ctx context.Context, actor, userID string, roleIDs []string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := s.store.FindUser(ctx, userID); err != nil {
		return err
	}
	for _, id := range roleIDs {
		if _, err := s.store.FindRole(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: unknown role %s", ErrInvalidInput, id)
			}
			return err
		}
	}
	if err := s.store.SetUserRoles(ctx, userID, roleIDs); err != nil {
		return err
	}
	s.record(ctx, AuditEntry{
		ActorUserID: actor, Action: "rbac.user.roles.update", TargetUserID: userID, ResourceType: "user", ResourceID: userID,
		Metadata: map[string]string{"role_ids": strings.Join(roleIDs, ",")},
	})
	return nil
}

// CreateUser provisions an account with a hashed password.
func (s *RBACService) CreateUser(ctx context.Context, actor string, nu NewUser) (User, error) {
	nu.EmployeeNumber = strings.TrimSpace(nu.EmployeeNumber)
	nu.Name = strings.TrimSpace(nu.Name)
	if nu.EmployeeNumber == "" || nu.Name == "" {
		return User{}, fmt.Errorf("%w: name and employee_number are required", ErrInvalidInput)
	}
	if err := ValidatePasswordStrength(nu.Password); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(nu.Password)
	if err != nil {
		return User{}, err
	}
	user, err := s.store.CreateUser(ctx, User{
		Name:                nu.Name,
		EmployeeNumber:      nu.EmployeeNumber,
		Department:          strings.TrimSpace(nu.Department),
		IsAdmin:             nu.IsAdmin,
		IsActive:            true,
		PasswordHash:        hash,
		ForcePasswordChange: nu.ForcePasswordChange,
		PasswordChangedAt:   s.now().UTC(),
	})
	if err != nil {
		return User{}, err
	}
	s.record(ctx, AuditEntry{
		ActorUserID: actor, Action: "rbac.user.create", TargetUserID: user.ID, ResourceType: "user", ResourceID: user.ID,
		Metadata: map[string]string{"employee_number": user.EmployeeNumber, "is_admin": fmt.Sprintf("%t", user.IsAdmin)},
	})
	return user, nil
}

func (s *RBACService) validatePermissionNames(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	catalog, err := s.store.ListPermissions(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(catalog))
	for _, p := range catalog {
		known[p.Name] = struct{}{}
	}
	for _, n := range names {
		if _, ok := known[n]; !ok {
			return fmt.Errorf("%w: unknown permission %s", ErrInvalidInput, n)
		}
	}
	return nil
}

func (s *RBACService) record(ctx context.Context, entry AuditEntry) {
	recordAudit(ctx, s.auditor, s.now, entry)
}

func recordAudit(ctx context.Context, auditor Auditor, now func() time.Time, entry AuditEntry) {
	if auditor == nil {
		return
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = now().UTC()
	}
	if err := auditor.Record(ctx, entry); err != nil {
		obs.Logger().WithError(err).WithField("action", entry.Action).Error("audit_record_failed")
	}
}
