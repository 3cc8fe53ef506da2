package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenTypeIsolation(t *testing.T) {
	f := newFixture(t)
	user := User{ID: "u-1", Name: "Ada", EmployeeNumber: "E100", Department: "Tooling"}

	pair, err := f.codec.Issue(user, NewPermissionSet(PermToolView))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.codec.Verify(pair.RefreshToken, TokenAccess); err != ErrInvalidToken {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
	if _, err := f.codec.Verify(pair.AccessToken, TokenRefresh); err != ErrInvalidToken {
		t.Fatalf("access token accepted as refresh: %v", err)
	}

	access, err := f.codec.Verify(pair.AccessToken, TokenAccess)
	if err != nil {
		t.Fatalf("Verify access: %v", err)
	}
	if access.UserID != "u-1" || access.EmployeeNumber != "E100" || access.Department != "Tooling" {
		t.Fatalf("unexpected access claims: %+v", access)
	}
	if got := access.ExpiresAt.Sub(access.IssuedAt.Time); got != 15*time.Minute {
		t.Fatalf("unexpected access lifetime: %v", got)
	}
	if !access.HasPermission(PermToolView) || access.HasPermission(PermToolEdit) {
		t.Fatalf("unexpected permission snapshot: %v", access.Permissions)
	}

	refresh, err := f.codec.Verify(pair.RefreshToken, TokenRefresh)
	if err != nil {
		t.Fatalf("Verify refresh: %v", err)
	}
	if refresh.UserName != "" || len(refresh.Permissions) != 0 {
		t.Fatalf("refresh token must carry only identity: %+v", refresh)
	}
	if refresh.ExpiresAt.Sub(refresh.IssuedAt.Time) != 7*24*time.Hour {
		t.Fatalf("unexpected refresh lifetime")
	}
	if refresh.ID == access.ID {
		t.Fatalf("jti must be unique per token")
	}
	if pair.ExpiresIn != 900 || pair.TokenType != "Bearer" {
		t.Fatalf("unexpected pair metadata: %+v", pair)
	}
}

func TestTokenExpiry(t *testing.T) {
	f := newFixture(t)
	pair, err := f.codec.Issue(User{ID: "u-2"}, NewPermissionSet())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	f.clock.Advance(15*time.Minute + time.Second)
	if _, err := f.codec.Verify(pair.AccessToken, TokenAccess); err != ErrInvalidToken {
		t.Fatalf("expired access token accepted: %v", err)
	}
	if _, err := f.codec.Verify(pair.RefreshToken, TokenRefresh); err != nil {
		t.Fatalf("refresh token should still be valid: %v", err)
	}
}

func TestTokenRejectsForgeries(t *testing.T) {
	f := newFixture(t)
	other, err := NewTokenCodec("other-secret", WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	pair, err := other.Issue(User{ID: "u-3"}, NewPermissionSet())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := f.codec.Verify(pair.AccessToken, TokenAccess); err != ErrInvalidToken {
		t.Fatalf("token signed with another secret accepted: %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u-3", Type: TokenAccess})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	for _, token := range []string{"", "garbage", raw, strings.Repeat("a.", 2) + "a"} {
		if _, err := f.codec.Verify(token, TokenAccess); err != ErrInvalidToken {
			t.Fatalf("Verify(%q) = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestAdminSnapshotHoldsEveryPermission(t *testing.T) {
	f := newFixture(t)
	pair, err := f.codec.Issue(User{ID: "adm", IsAdmin: true}, PermissionSet{All: true})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := f.codec.Verify(pair.AccessToken, TokenAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	for _, p := range BuiltinPermissions {
		if !claims.HasPermission(p.Name) {
			t.Fatalf("admin missing %s", p.Name)
		}
	}
	if !claims.HasPermission("anything.at_all") {
		t.Fatalf("admin must hold unknown permissions too")
	}
}
