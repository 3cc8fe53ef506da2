package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mrocore.org/internal/ids"
)

// MemoryStore implements Store with in-process concurrency safety. It backs
// the service when no database is configured and every auth test.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	byNumber    map[string]string
	roles       map[string]*Role
	permissions map[string]Permission // name -> permission
	userRoles   map[string][]string   // user id -> role ids
	overrides   map[string]map[string]UserPermission
	audit       []AuditEntry
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		byNumber:    make(map[string]string),
		roles:       make(map[string]*Role),
		permissions: make(map[string]Permission),
		userRoles:   make(map[string][]string),
		overrides:   make(map[string]map[string]UserPermission),
		now:         time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateUser(ctx context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byNumber[u.EmployeeNumber]; ok {
		return User{}, fmt.Errorf("%w: employee number %s", ErrAlreadyExists, u.EmployeeNumber)
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	u.PasswordHistory = append([]string(nil), u.PasswordHistory...)
	s.users[u.ID] = &u
	s.byNumber[u.EmployeeNumber] = u.ID
	return copyUser(&u), nil
}

func (s *MemoryStore) FindUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryStore) FindUserByEmployeeNumber(ctx context.Context, employeeNumber string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[employeeNumber]
	if !ok {
		return User{}, ErrNotFound
	}
	return copyUser(s.users[id]), nil
}

func (s *MemoryStore) RecordLoginFailure(ctx context.Context, userID string, threshold int, now, lockUntil time.Time) (int, *time.Time, error) {
	var (
		attempts int
		locked   *time.Time
	)
	err := s.mutateUser(userID, func(u *User) {
		switch {
		case u.LockedUntil != nil && !u.LockedUntil.After(now):
			u.FailedLoginAttempts = 1
			u.LockedUntil = nil
		default:
			u.FailedLoginAttempts++
		}
		if u.LockedUntil == nil && u.FailedLoginAttempts >= threshold {
			until := lockUntil
			u.LockedUntil = &until
		}
		attempts = u.FailedLoginAttempts
		if u.LockedUntil != nil {
			until := *u.LockedUntil
			locked = &until
		}
	})
	if err != nil {
		return 0, nil, err
	}
	return attempts, locked, nil
}

func (s *MemoryStore) ResetLoginFailures(ctx context.Context, userID string) error {
	return s.mutateUser(userID, func(u *User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
	})
}

func (s *MemoryStore) UpdatePassword(ctx context.Context, userID string, change PasswordChange) error {
	return s.mutateUser(userID, func(u *User) {
		u.PasswordHash = change.Hash
		u.PasswordHistory = append([]string(nil), change.History...)
		u.PasswordChangedAt = change.ChangedAt
		u.ForcePasswordChange = change.ForcePasswordChange
	})
}

func (s *MemoryStore) SetTOTP(ctx context.Context, userID, secret string, enabled bool) error {
	return s.mutateUser(userID, func(u *User) {
		u.TOTPSecret = secret
		u.TOTPEnabled = enabled
	})
}

func (s *MemoryStore) SetUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	for _, id := range roleIDs {
		if _, ok := s.roles[id]; !ok {
			return ErrNotFound
		}
	}
	s.userRoles[userID] = dedupe(roleIDs)
	return nil
}

// SetUserActive toggles account activation.
func (s *MemoryStore) SetUserActive(userID string, active bool) error {
	return s.mutateUser(userID, func(u *User) { u.IsActive = active })
}

func (s *MemoryStore) mutateUser(id string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, copyRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) FindRole(ctx context.Context, id string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return copyRole(r), nil
}

func (s *MemoryStore) FindRoleByName(ctx context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.Name == name {
			return copyRole(r), nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *MemoryStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == role.Name {
			return Role{}, fmt.Errorf("%w: role %s", ErrAlreadyExists, role.Name)
		}
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := s.now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	role.Permissions = nil
	s.roles[role.ID] = &role
	return copyRole(&role), nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		for _, other := range s.roles {
			if other.ID != id && other.Name == *upd.Name {
				return Role{}, fmt.Errorf("%w: role %s", ErrAlreadyExists, *upd.Name)
			}
		}
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	r.UpdatedAt = s.now().UTC()
	return copyRole(r), nil
}

func (s *MemoryStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	delete(s.roles, id)
	for user, roleIDs := range s.userRoles {
		kept := roleIDs[:0]
		for _, rid := range roleIDs {
			if rid != id {
				kept = append(kept, rid)
			}
		}
		s.userRoles[user] = kept
	}
	return nil
}

func (s *MemoryStore) SetRolePermissions(ctx context.Context, roleID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return ErrNotFound
	}
	for _, n := range names {
		if _, ok := s.permissions[n]; !ok {
			return fmt.Errorf("%w: permission %s", ErrNotFound, n)
		}
	}
	r.Permissions = dedupe(names)
	sort.Strings(r.Permissions)
	r.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) UserRolePermissions(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, rid := range s.userRoles[userID] {
		if r, ok := s.roles[rid]; ok {
			out = append(out, r.Permissions...)
		}
	}
	return dedupe(out), nil
}

func (s *MemoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) EnsurePermissions(ctx context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if existing, ok := s.permissions[p.Name]; ok {
			p.ID = existing.ID
		} else if p.ID == "" {
			p.ID = ids.New()
		}
		s.permissions[p.Name] = p
	}
	return nil
}

func (s *MemoryStore) ListOverrides(ctx context.Context, userID string) ([]UserPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.overrides[userID]
	out := make([]UserPermission, 0, len(rows))
	for _, p := range rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionName < out[j].PermissionName })
	return out, nil
}

func (s *MemoryStore) UpsertOverride(ctx context.Context, p UserPermission) (UserPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.prepareOverride(p)
	if err != nil {
		return UserPermission{}, err
	}
	rows := s.overrides[p.UserID]
	if rows == nil {
		rows = make(map[string]UserPermission)
		s.overrides[p.UserID] = rows
	}
	if existing, ok := rows[p.PermissionName]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	rows[p.PermissionName] = p
	return p, nil
}

func (s *MemoryStore) DeleteOverride(ctx context.Context, userID, permissionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.overrides[userID]
	if _, ok := rows[permissionName]; !ok {
		return ErrNotFound
	}
	delete(rows, permissionName)
	return nil
}

func (s *MemoryStore) ReplaceOverrides(ctx context.Context, userID string, perms []UserPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	rows := make(map[string]UserPermission, len(perms))
	for _, p := range perms {
		p.UserID = userID
		prepared, err := s.prepareOverride(p)
		if err != nil {
			return err
		}
		rows[prepared.PermissionName] = prepared
	}
	s.overrides[userID] = rows
	return nil
}

func (s *MemoryStore) prepareOverride(p UserPermission) (UserPermission, error) {
	if _, ok := s.users[p.UserID]; !ok {
		return UserPermission{}, ErrNotFound
	}
	perm, ok := s.permissions[p.PermissionName]
	if !ok {
		return UserPermission{}, fmt.Errorf("%w: permission %s", ErrNotFound, p.PermissionName)
	}
	now := s.now().UTC()
	p.PermissionID = perm.ID
	p.CreatedAt, p.UpdatedAt = now, now
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		p.ExpiresAt = &t
	}
	return p, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns a copy of the appended audit log.
func (s *MemoryStore) AuditEntries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}

func copyUser(u *User) User {
	out := *u
	out.PasswordHistory = append([]string(nil), u.PasswordHistory...)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		out.LockedUntil = &t
	}
	return out
}

func copyRole(r *Role) Role {
	out := *r
	out.Permissions = append([]string{}, r.Permissions...)
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
