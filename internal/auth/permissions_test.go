package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestEffectivePermissionsLayering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "E200", "Passw0rd!", false)
	f.assignRole(t, user.ID, "Viewer")

	if _, err := f.overrides.Upsert(ctx, "adm", user.ID, Override{Permission: PermToolEdit, GrantType: GrantAllow}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := f.overrides.Upsert(ctx, "adm", user.ID, Override{Permission: PermReportView, GrantType: GrantDeny, Reason: "audit"}); err != nil {
		t.Fatalf("deny: %v", err)
	}

	perms, err := f.sessions.Resolver().EffectivePermissions(ctx, user)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if perms.All {
		t.Fatalf("non-admin must not hold the universal set")
	}
	for _, want := range []string{PermToolView, PermToolEdit, PermInventoryView} {
		if !perms.Has(want) {
			t.Fatalf("missing %s in %v", want, perms.List())
		}
	}
	if perms.Has(PermReportView) {
		t.Fatalf("deny must remove a role permission: %v", perms.List())
	}
	if perms.Has(PermUserManage) {
		t.Fatalf("unexpected %s", PermUserManage)
	}
	if !slices.IsSorted(perms.List()) {
		t.Fatalf("list must be sorted: %v", perms.List())
	}
}

func TestDenyBeatsGrantAcrossSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "E201", "Passw0rd!", false)

	role, err := f.rbac.CreateRole(ctx, "adm", "Calibrators", "", []string{PermCalibrationRecord})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := f.rbac.SetUserRoles(ctx, "adm", user.ID, []string{role.ID}); err != nil {
		t.Fatalf("SetUserRoles: %v", err)
	}
	if _, err := f.overrides.Upsert(ctx, "adm", user.ID, Override{Permission: PermCalibrationRecord, GrantType: GrantDeny}); err != nil {
		t.Fatalf("deny: %v", err)
	}
	perms, err := f.sessions.Resolver().EffectivePermissions(ctx, user)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if perms.Has(PermCalibrationRecord) {
		t.Fatalf("deny must win over the role grant")
	}
}

func TestExpiredOverridesIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "E202", "Passw0rd!", false)
	f.assignRole(t, user.ID, "Viewer")

	soon := f.clock.Now().Add(time.Hour)
	if _, err := f.overrides.Upsert(ctx, "adm", user.ID, Override{Permission: PermChemicalIssue, GrantType: GrantAllow, ExpiresAt: &soon}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := f.overrides.Upsert(ctx, "adm", user.ID, Override{Permission: PermToolView, GrantType: GrantDeny, ExpiresAt: &soon}); err != nil {
		t.Fatalf("deny: %v", err)
	}
	resolver := f.sessions.Resolver()

	perms, err := resolver.EffectivePermissions(ctx, user)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if !perms.Has(PermChemicalIssue) || perms.Has(PermToolView) {
		t.Fatalf("active overrides not applied: %v", perms.List())
	}

	f.clock.Advance(2 * time.Hour)
	perms, err = resolver.EffectivePermissions(ctx, user)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if perms.Has(PermChemicalIssue) || !perms.Has(PermToolView) {
		t.Fatalf("expired overrides still applied: %v", perms.List())
	}
}

func TestAdminBypassesOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.createUser(t, "A001", "Passw0rd!", true)

	perms, err := f.sessions.Resolver().EffectivePermissions(ctx, admin)
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if !perms.All || !perms.Has("anything") {
		t.Fatalf("admin must hold the universal set")
	}
	if got := perms.List(); len(got) != 1 || got[0] != AllPermissions {
		t.Fatalf("admin list = %v", got)
	}
	_, err = f.overrides.Upsert(ctx, "adm", admin.ID, Override{Permission: PermToolView, GrantType: GrantDeny})
	if !errors.Is(err, ErrAdminOverride) {
		t.Fatalf("override on admin: got %v", err)
	}
}

func TestSnapshotChangesOnlyOnRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "E203", "Passw0rd!", false)
	f.assignRole(t, user.ID, "Viewer")

	res, err := f.authn.Login(ctx, "E203", "Passw0rd!")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Tokens.Access.HasPermission(PermToolEdit) {
		t.Fatalf("unexpected tool.edit before grant")
	}
	if _, err := f.overrides.Upsert(ctx, "adm", user.ID, Override{Permission: PermToolEdit, GrantType: GrantAllow}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	stale, err := f.codec.Verify(res.Tokens.AccessToken, TokenAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if stale.HasPermission(PermToolEdit) {
		t.Fatalf("existing token must keep its snapshot")
	}

	pair, _, err := f.sessions.RefreshAccessToken(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if !pair.Access.HasPermission(PermToolEdit) {
		t.Fatalf("refreshed token must pick up the grant")
	}
}
