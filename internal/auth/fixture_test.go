package auth

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeAuditor struct{ store *MemoryStore }

func (a storeAuditor) Record(ctx context.Context, e AuditEntry) error {
	return a.store.AppendAudit(ctx, e)
}

type fixture struct {
	store     *MemoryStore
	clock     *testClock
	codec     *TokenCodec
	sessions  *Sessions
	authn     *Authenticator
	rbac      *RBACService
	overrides *OverrideService
	totp      *TOTP
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: NewMemoryStore(), clock: newTestClock()}
	f.store.now = f.clock.Now
	auditor := storeAuditor{store: f.store}

	var err error
	f.codec, err = NewTokenCodec("test-secret", WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	f.sessions, err = NewSessions(f.codec, f.store, WithSecureCookies(false))
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	f.authn, err = NewAuthenticator(f.store, f.sessions, DefaultPolicy(), auditor)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	f.rbac, err = NewRBACService(f.store, auditor)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	f.rbac.now = f.clock.Now
	f.overrides, err = NewOverrideService(f.store, auditor, f.clock.Now)
	if err != nil {
		t.Fatalf("NewOverrideService: %v", err)
	}
	f.totp, err = NewTOTP(f.store, f.authn, "MRO Test")
	if err != nil {
		t.Fatalf("NewTOTP: %v", err)
	}
	if err := f.rbac.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	return f
}

func (f *fixture) createUser(t *testing.T, number, password string, admin bool) User {
	t.Helper()
	u, err := f.rbac.CreateUser(context.Background(), "", NewUser{
		Name:           "User " + number,
		EmployeeNumber: number,
		Department:     "Maintenance",
		Password:       password,
		IsAdmin:        admin,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", number, err)
	}
	return u
}

func (f *fixture) assignRole(t *testing.T, userID, roleName string) {
	t.Helper()
	ctx := context.Background()
	role, err := f.store.FindRoleByName(ctx, roleName)
	if err != nil {
		t.Fatalf("FindRoleByName(%s): %v", roleName, err)
	}
	if err := f.rbac.SetUserRoles(ctx, "", userID, []string{role.ID}); err != nil {
		t.Fatalf("SetUserRoles: %v", err)
	}
}

func (f *fixture) hasAudit(action string) bool {
	for _, e := range f.store.AuditEntries() {
		if e.Action == action {
			return true
		}
	}
	return false
}
