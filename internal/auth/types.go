package auth

import "time"

// User is an employee account. IsAdmin bypasses every permission and department check.
type User struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	EmployeeNumber      string     `json:"employee_number"`
	Department          string     `json:"department"`
	IsAdmin             bool       `json:"is_admin"`
	IsActive            bool       `json:"is_active"`
	PasswordHash        string     `json:"-"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	ForcePasswordChange bool       `json:"force_password_change"`
	PasswordChangedAt   time.Time  `json:"password_changed_at"`
	PasswordHistory     []string   `json:"-"`
	TOTPSecret          string     `json:"-"`
	TOTPEnabled         bool       `json:"totp_enabled"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Locked reports whether the account is locked at now.
func (u User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Role groups permissions. System roles cannot be renamed or deleted.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	IsSystemRole bool      `json:"is_system_role"`
	Permissions  []string  `json:"permissions"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RoleUpdate carries optional role attribute changes.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// Permission is a dotted resource.action capability.
type Permission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// GrantType is the direction of a per-user override.
type GrantType string

const (
	GrantAllow GrantType = "grant"
	GrantDeny  GrantType = "deny"
)

// Valid reports whether g is a known grant type.
func (g GrantType) Valid() bool {
	return g == GrantAllow || g == GrantDeny
}

// UserPermission is a per-user override of role permissions.
type UserPermission struct {
	UserID         string     `json:"user_id"`
	PermissionID   string     `json:"permission_id"`
	PermissionName string     `json:"permission"`
	GrantType      GrantType  `json:"grant_type"`
	GrantedBy      string     `json:"granted_by,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Active reports whether the override still applies at now.
func (p UserPermission) Active(now time.Time) bool {
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

// AuditEntry is an append-only record of a security-relevant action.
type AuditEntry struct {
	ID           string            `json:"id"`
	OccurredAt   time.Time         `json:"occurred_at"`
	ActorUserID  string            `json:"actor_user_id,omitempty"`
	Action       string            `json:"action"`
	TargetUserID string            `json:"target_user_id,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}
