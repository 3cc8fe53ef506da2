package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	// CSRFHeader carries the token on state-changing requests.
	CSRFHeader = "X-CSRF-Token"
	// DefaultCSRFMaxAge bounds token age.
	DefaultCSRFMaxAge = time.Hour
)

// CSRFSecret derives the per-session CSRF secret: the access token jti, or
// user_id:iat for tokens minted without one.
func CSRFSecret(c *Claims) string {
	if c == nil {
		return ""
	}
	if c.ID != "" {
		return c.ID
	}
	var iat int64
	if c.IssuedAt != nil {
		iat = c.IssuedAt.Unix()
	}
	return c.UserID + ":" + strconv.FormatInt(iat, 10)
}

// GenerateCSRFToken returns "timestamp:hex(HMAC-SHA256(secret, user_id:timestamp))".
func GenerateCSRFToken(userID, secret string) string {
	return generateCSRFAt(userID, secret, time.Now())
}

// ValidateCSRFToken checks the signature and that the token is at most maxAge old.
func ValidateCSRFToken(token, userID, secret string, maxAge time.Duration) bool {
	return validateCSRFAt(token, userID, secret, maxAge, time.Now())
}

func generateCSRFAt(userID, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return ts + ":" + csrfMAC(userID, secret, ts)
}

func validateCSRFAt(token, userID, secret string, maxAge time.Duration, now time.Time) bool {
	if token == "" || secret == "" {
		return false
	}
	ts, mac, ok := strings.Cut(token, ":")
	if !ok {
		return false
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := now.Unix() - issued
	if age < 0 || age > int64(maxAge/time.Second) {
		return false
	}
	return hmac.Equal([]byte(mac), []byte(csrfMAC(userID, secret, ts)))
}

func csrfMAC(userID, secret, ts string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(userID + ":" + ts))
	return hex.EncodeToString(h.Sum(nil))
}
