package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Override is a requested per-user grant or deny.
type Override struct {
	Permission string     `json:"permission"`
	GrantType  GrantType  `json:"grant_type"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// OverrideService manages per-user permission overrides. Every mutation is audited.
type OverrideService struct {
	store   Store
	auditor Auditor
	now     func() time.Time
}

// NewOverrideService constructs the service. auditor may be nil.
func NewOverrideService(store Store, auditor Auditor, now func() time.Time) (*OverrideService, error) {
	if store == nil {
		return nil, errors.New("override store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &OverrideService{store: store, auditor: auditor, now: now}, nil
}

// List returns every override of userID, expired rows included.
func (s *OverrideService) List(ctx context.Context, userID string) ([]UserPermission, error) {
	if _, err := s.store.FindUser(ctx, strings.TrimSpace(userID)); err != nil {
		return nil, err
	}
	return s.store.ListOverrides(ctx, userID)
}

// Upsert creates or replaces the override of one permission.
func (s *OverrideService) Upsert(ctx context.Context, actor, userID string, o Override) (UserPermission, error) {
	user, err := s.target(ctx, userID)
	if err != nil {
		return UserPermission{}, err
	}
	row, err := s.row(actor, user.ID, o)
	if err != nil {
		return UserPermission{}, err
	}
	if err := s.ensureKnown(ctx, row.PermissionName); err != nil {
		return UserPermission{}, err
	}
	saved, err := s.store.UpsertOverride(ctx, row)
	if err != nil {
		return UserPermission{}, err
	}
	s.audit(ctx, actor, user.ID, "permission.override.upsert", saved)
	return saved, nil
}

// Remove deletes the override of one permission.
func (s *OverrideService) Remove(ctx context.Context, actor, userID, permission string) error {
	user, err := s.target(ctx, userID)
	if err != nil {
		return err
	}
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	if err := s.store.DeleteOverride(ctx, user.ID, permission); err != nil {
		return err
	}
	s.audit(ctx, actor, user.ID, "permission.override.remove", UserPermission{PermissionName: permission})
	return nil
}

// Replace swaps the full override set of a user in one step.
func (s *OverrideService) Replace(ctx context.Context, actor, userID string, overrides []Override) ([]UserPermission, error) {
	user, err := s.target(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows := make([]UserPermission, 0, len(overrides))
	seen := make(map[string]struct{}, len(overrides))
	for _, o := range overrides {
		row, err := s.row(actor, user.ID, o)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[row.PermissionName]; dup {
			return nil, fmt.Errorf("%w: duplicate permission %s", ErrInvalidInput, row.PermissionName)
		}
		seen[row.PermissionName] = struct{}{}
		if err := s.ensureKnown(ctx, row.PermissionName); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := s.store.ReplaceOverrides(ctx, user.ID, rows); err != nil {
		return nil, err
	}
	recordAudit(ctx, s.auditor, s.now, AuditEntry{
		ActorUserID:  actor,
		Action:       "permission.override.replace",
		TargetUserID: user.ID,
		ResourceType: "user",
		ResourceID:   user.ID,
		Metadata:     map[string]string{"count": fmt.Sprintf("%d", len(rows))},
	})
	return s.store.ListOverrides(ctx, user.ID)
}

func (s *OverrideService) target(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.FindUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.IsAdmin {
		return User{}, ErrAdminOverride
	}
	return user, nil
}

func (s *OverrideService) row(actor, userID string, o Override) (UserPermission, error) {
	name := strings.TrimSpace(o.Permission)
	if name == "" {
		return UserPermission{}, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	if !o.GrantType.Valid() {
		return UserPermission{}, fmt.Errorf("%w: grant_type must be grant or deny", ErrInvalidInput)
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(s.now()) {
		return UserPermission{}, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	return UserPermission{
		UserID:         userID,
		PermissionName: name,
		GrantType:      o.GrantType,
		GrantedBy:      actor,
		Reason:         strings.TrimSpace(o.Reason),
		ExpiresAt:      o.ExpiresAt,
	}, nil
}

func (s *OverrideService) ensureKnown(ctx context.Context, name string) error {
	catalog, err := s.store.ListPermissions(ctx)
	if err != nil {
		return err
	}
	for _, p := range catalog {
		if p.Name == name {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown permission %s", ErrInvalidInput, name)
}

func (s *OverrideService) audit(ctx context.Context, actor, userID, action string, p UserPermission) {
	meta := map[string]string{"permission": p.PermissionName}
	if p.GrantType != "" {
		meta["grant_type"] = string(p.GrantType)
	}
	if p.Reason != "" {
		meta["reason"] = p.Reason
	}
	if p.ExpiresAt != nil {
		meta["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339)
	}
	recordAudit(ctx, s.auditor, s.now, AuditEntry{
		ActorUserID:  actor,
		Action:       action,
		TargetUserID: userID,
		ResourceType: "user_permission",
		ResourceID:   userID + ":" + p.PermissionName,
		Metadata:     meta,
	})
}
