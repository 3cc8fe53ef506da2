package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	UserStore
	RoleStore
	PermissionStore
	OverrideStore
	AuditStore
}

// UserStore manages employee accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByEmployeeNumber(ctx context.Context, employeeNumber string) (User, error)
	// RecordLoginFailure atomically counts one failed attempt. An expired lock
	// restarts the count at one; reaching threshold locks the account until
	// lockUntil unless a lock is already in force.
	RecordLoginFailure(ctx context.Context, userID string, threshold int, now, lockUntil time.Time) (attempts int, lockedUntil *time.Time, err error)
	ResetLoginFailures(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID string, change PasswordChange) error
	SetTOTP(ctx context.Context, userID, secret string, enabled bool) error
	SetUserRoles(ctx context.Context, userID string, roleIDs []string) error
}

// PasswordChange is the persisted outcome of a password rotation or rehash.
type PasswordChange struct {
	Hash                string
	History             []string
	ChangedAt           time.Time
	ForcePasswordChange bool
}

// RoleStore manages roles and their permission sets.
type RoleStore interface {
	ListRoles(ctx context.Context) ([]Role, error)
	FindRole(ctx context.Context, id string) (Role, error)
	FindRoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	SetRolePermissions(ctx context.Context, roleID string, names []string) error
	UserRolePermissions(ctx context.Context, userID string) ([]string, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermissions(ctx context.Context, perms []Permission) error
}

// OverrideStore manages per-user grant/deny rows keyed by permission name.
type OverrideStore interface {
	ListOverrides(ctx context.Context, userID string) ([]UserPermission, error)
	UpsertOverride(ctx context.Context, p UserPermission) (UserPermission, error)
	DeleteOverride(ctx context.Context, userID, permissionName string) error
	ReplaceOverrides(ctx context.Context, userID string, perms []UserPermission) error
}

// AuditStore appends immutable entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Auditor records security-relevant actions.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry) error
}
