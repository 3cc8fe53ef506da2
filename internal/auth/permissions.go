package auth

import (
	"context"
	"sort"
	"time"
)

// AllPermissions is the snapshot entry standing for the universal set.
const AllPermissions = "*"

const (
	PermToolView          = "tool.view"
	PermToolEdit          = "tool.edit"
	PermToolDelete        = "tool.delete"
	PermInventoryView     = "inventory.view"
	PermInventoryAdjust   = "inventory.adjust"
	PermChemicalView      = "chemical.view"
	PermChemicalIssue     = "chemical.issue"
	PermCalibrationView   = "calibration.view"
	PermCalibrationRecord = "calibration.record"
	PermReportView        = "report.view"
	PermUserView          = "user.view"
	PermUserManage        = "user.manage"
	PermRoleManage        = "role.manage"
	PermPermissionManage  = "permission.manage"
	PermAuditView         = "audit.view"
)

// BuiltinPermissions is the catalog seeded at startup.
var BuiltinPermissions = []Permission{
	{Name: PermToolView, Description: "View tools and their status", Category: "Tools"},
	{Name: PermToolEdit, Description: "Create and edit tools", Category: "Tools"},
	{Name: PermToolDelete, Description: "Retire tools", Category: "Tools"},
	{Name: PermInventoryView, Description: "View stock levels", Category: "Inventory"},
	{Name: PermInventoryAdjust, Description: "Adjust stock levels", Category: "Inventory"},
	{Name: PermChemicalView, Description: "View chemicals", Category: "Chemicals"},
	{Name: PermChemicalIssue, Description: "Issue chemicals", Category: "Chemicals"},
	{Name: PermCalibrationView, Description: "View calibration records", Category: "Calibration"},
	{Name: PermCalibrationRecord, Description: "Record calibrations", Category: "Calibration"},
	{Name: PermReportView, Description: "View reports", Category: "Reports"},
	{Name: PermUserView, Description: "View users", Category: "Administration"},
	{Name: PermUserManage, Description: "Manage users", Category: "Administration"},
	{Name: PermRoleManage, Description: "Manage roles", Category: "Administration"},
	{Name: PermPermissionManage, Description: "Manage per-user permission overrides", Category: "Administration"},
	{Name: PermAuditView, Description: "View the audit log", Category: "Administration"},
}

// SystemRoles are created at startup and cannot be renamed or deleted.
var SystemRoles = []Role{
	{
		Name:        "Viewer",
		Description: "Read-only access",
		Permissions: []string{PermToolView, PermInventoryView, PermChemicalView, PermCalibrationView, PermReportView},
	},
	{
		Name:        "Technician",
		Description: "Day-to-day shop floor operations",
		Permissions: []string{
			PermToolView, PermToolEdit, PermInventoryView, PermInventoryAdjust,
			PermChemicalView, PermChemicalIssue, PermCalibrationView, PermCalibrationRecord, PermReportView,
		},
	},
	{
		Name:        "Manager",
		Description: "Department management",
		Permissions: []string{
			PermToolView, PermToolEdit, PermToolDelete, PermInventoryView, PermInventoryAdjust,
			PermChemicalView, PermChemicalIssue, PermCalibrationView, PermCalibrationRecord, PermReportView,
			PermUserView, PermUserManage, PermPermissionManage, PermAuditView,
		},
	},
}

// PermissionSet is an effective permission set. All marks the universal set held by admins.
type PermissionSet struct {
	All   bool
	names map[string]struct{}
}

// NewPermissionSet builds a finite set from names.
func NewPermissionSet(names ...string) PermissionSet {
	set := PermissionSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n != "" {
			set.names[n] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (p PermissionSet) Has(name string) bool {
	if p.All {
		return true
	}
	_, ok := p.names[name]
	return ok
}

// List returns the sorted names, or [AllPermissions] for the universal set.
func (p PermissionSet) List() []string {
	if p.All {
		return []string{AllPermissions}
	}
	out := make([]string, 0, len(p.names))
	for n := range p.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (p PermissionSet) add(name string)    { p.names[name] = struct{}{} }
func (p PermissionSet) remove(name string) { delete(p.names, name) }

// Resolver computes effective permissions from roles and per-user overrides.
// Results are never cached; expiry is evaluated at resolution time.
type Resolver struct {
	store interface {
		RoleStore
		OverrideStore
	}
	now func() time.Time
}

// NewResolver constructs a Resolver. A nil clock defaults to time.Now.
func NewResolver(store Store, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, now: now}
}

// EffectivePermissions returns role(user) ∪ active grants − active denies.
// Deny wins over both role permissions and grants.
func (r *Resolver) EffectivePermissions(ctx context.Context, user User) (PermissionSet, error) {
	if user.IsAdmin {
		return PermissionSet{All: true}, nil
	}
	fromRoles, err := r.store.UserRolePermissions(ctx, user.ID)
	if err != nil {
		return PermissionSet{}, err
	}
	overrides, err := r.store.ListOverrides(ctx, user.ID)
	if err != nil {
		return PermissionSet{}, err
	}

	set := NewPermissionSet(fromRoles...)
	now := r.now()
	denied := make(map[string]struct{})
	for _, o := range overrides {
		if !o.Active(now) {
			continue
		}
		switch o.GrantType {
		case GrantAllow:
			set.add(o.PermissionName)
		case GrantDeny:
			denied[o.PermissionName] = struct{}{}
		}
	}
	for name := range denied {
		set.remove(name)
	}
	return set, nil
}
