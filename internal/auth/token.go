package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer       = "mrocore"
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultChallengeTTL = 5 * time.Minute
)

// TokenType distinguishes the credentials minted by TokenCodec.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	// TokenTOTPChallenge binds the password step of a login to the second factor.
	TokenTOTPChallenge TokenType = "totp_challenge"
)

// Claims is the signed payload of every token. Refresh and challenge tokens
// carry only the user id.
type Claims struct {
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	EmployeeNumber string    `json:"employee_number,omitempty"`
	IsAdmin        bool      `json:"is_admin,omitempty"`
	Department     string    `json:"department,omitempty"`
	Permissions    []string  `json:"permissions,omitempty"`
	Type           TokenType `json:"type"`
	jwt.RegisteredClaims
}

// HasPermission checks the snapshot embedded at issuance. Admins hold every permission.
func (c *Claims) HasPermission(name string) bool {
	if c == nil {
		return false
	}
	if c.IsAdmin {
		return true
	}
	return slices.Contains(c.Permissions, AllPermissions) || slices.Contains(c.Permissions, name)
}

// TokenPair is the credential bundle returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`

	Access *Claims `json:"-"`
}

// TokenCodec signs and verifies HS256 tokens.
type TokenCodec struct {
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration
	now          func() time.Time
}

// TokenOption configures TokenCodec behavior.
type TokenOption func(*TokenCodec) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(c *TokenCodec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(c *TokenCodec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(c *TokenCodec) error {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(c *TokenCodec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewTokenCodec constructs a codec signing with secret.
func NewTokenCodec(secret string, opts ...TokenOption) (*TokenCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	c := &TokenCodec{
		secret:       []byte(secret),
		issuer:       defaultIssuer,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		challengeTTL: defaultChallengeTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Now returns the codec clock reading.
func (c *TokenCodec) Now() time.Time { return c.now() }

// AccessTTL returns the access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

// Issue mints an access/refresh pair for user with the given permission snapshot.
func (c *TokenCodec) Issue(user User, perms PermissionSet) (TokenPair, error) {
	now := c.now()
	access := &Claims{
		UserID:           user.ID,
		UserName:         user.Name,
		EmployeeNumber:   user.EmployeeNumber,
		IsAdmin:          user.IsAdmin,
		Department:       user.Department,
		Permissions:      perms.List(),
		Type:             TokenAccess,
		RegisteredClaims: c.registered(now, c.accessTTL),
	}
	accessToken, err := c.sign(access)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := c.sign(&Claims{
		UserID:           user.ID,
		Type:             TokenRefresh,
		RegisteredClaims: c.registered(now, c.refreshTTL),
	})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(c.accessTTL / time.Second),
		TokenType:    "Bearer",
		Access:       access,
	}, nil
}

// IssueChallenge mints a short-lived token proving the password step succeeded.
func (c *TokenCodec) IssueChallenge(user User) (string, error) {
	return c.sign(&Claims{
		UserID:           user.ID,
		Type:             TokenTOTPChallenge,
		RegisteredClaims: c.registered(c.now(), c.challengeTTL),
	})
}

// Verify checks signature, issuer, expiry and token type. Every failure is ErrInvalidToken.
func (c *TokenCodec) Verify(token string, expected TokenType) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != expected || strings.TrimSpace(claims.UserID) == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *TokenCodec) registered(now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

func (c *TokenCodec) sign(claims *Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
