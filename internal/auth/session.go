package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"

	bearerPrefix = "Bearer "
)

// Sessions issues, verifies and refreshes token pairs and manages auth cookies.
type Sessions struct {
	codec        *TokenCodec
	users        UserStore
	resolver     *Resolver
	secureCookie bool
	csrfMaxAge   time.Duration
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithSecureCookies sets the Secure attribute on auth cookies.
func WithSecureCookies(secure bool) SessionOption {
	return func(s *Sessions) { s.secureCookie = secure }
}

// WithCSRFMaxAge overrides the CSRF token lifetime.
func WithCSRFMaxAge(d time.Duration) SessionOption {
	return func(s *Sessions) {
		if d > 0 {
			s.csrfMaxAge = d
		}
	}
}

// NewSessions wires the session manager. The resolver shares the codec clock.
func NewSessions(codec *TokenCodec, store Store, opts ...SessionOption) (*Sessions, error) {
	if codec == nil || store == nil {
		return nil, errors.New("auth: token codec and store are required")
	}
	s := &Sessions{
		codec:        codec,
		users:        store,
		resolver:     NewResolver(store, codec.Now),
		secureCookie: true,
		csrfMaxAge:   DefaultCSRFMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now returns the session clock reading.
func (s *Sessions) Now() time.Time { return s.codec.Now() }

// Codec exposes the token codec.
func (s *Sessions) Codec() *TokenCodec { return s.codec }

// Resolver exposes the permission resolver used at issuance.
func (s *Sessions) Resolver() *Resolver { return s.resolver }

// GenerateTokens snapshots the user's effective permissions into a fresh pair.
func (s *Sessions) GenerateTokens(ctx context.Context, user User) (TokenPair, error) {
	perms, err := s.resolver.EffectivePermissions(ctx, user)
	if err != nil {
		return TokenPair{}, err
	}
	return s.codec.Issue(user, perms)
}

// VerifyToken validates token as the expected type.
func (s *Sessions) VerifyToken(token string, expected TokenType) (*Claims, error) {
	return s.codec.Verify(token, expected)
}

// RefreshAccessToken rotates a refresh token into a new pair for an active user.
func (s *Sessions) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenPair, User, error) {
	claims, err := s.codec.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	user, err := s.users.FindUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, User{}, ErrInvalidToken
		}
		return TokenPair{}, User{}, err
	}
	if !user.IsActive {
		return TokenPair{}, User{}, ErrInvalidToken
	}
	pair, err := s.GenerateTokens(ctx, user)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	return pair, user, nil
}

// ExtractToken reads the cookie for t; access tokens also fall back to the
// Authorization bearer header. Refresh tokens are never read from headers.
func ExtractToken(r *http.Request, t TokenType) string {
	name := AccessCookieName
	if t == TokenRefresh {
		name = RefreshCookieName
	}
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value
	}
	if t != TokenAccess {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

// CurrentUser returns the verified access claims of the request.
func (s *Sessions) CurrentUser(r *http.Request) (*Claims, error) {
	token := ExtractToken(r, TokenAccess)
	if token == "" {
		return nil, ErrInvalidToken
	}
	return s.codec.Verify(token, TokenAccess)
}

// SetAuthCookies writes both auth cookies for pair.
func (s *Sessions) SetAuthCookies(w http.ResponseWriter, pair TokenPair) {
	http.SetCookie(w, s.cookie(AccessCookieName, pair.AccessToken, int(s.codec.AccessTTL()/time.Second)))
	http.SetCookie(w, s.cookie(RefreshCookieName, pair.RefreshToken, int(s.codec.RefreshTTL()/time.Second)))
}

// ClearAuthCookies expires both auth cookies (Max-Age=0 on the wire).
func (s *Sessions) ClearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(AccessCookieName, "", -1))
	http.SetCookie(w, s.cookie(RefreshCookieName, "", -1))
}

func (s *Sessions) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}

// CSRFToken issues a CSRF token bound to the access token behind claims.
func (s *Sessions) CSRFToken(claims *Claims) string {
	return generateCSRFAt(claims.UserID, CSRFSecret(claims), s.codec.Now())
}

// ValidCSRF checks token against the access token behind claims.
func (s *Sessions) ValidCSRF(claims *Claims, token string) bool {
	return validateCSRFAt(token, claims.UserID, CSRFSecret(claims), s.csrfMaxAge, s.codec.Now())
}
