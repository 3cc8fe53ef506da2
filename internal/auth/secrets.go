package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateSecret returns n random bytes encoded as URL-safe base64.
func GenerateSecret(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: secret length must be positive", ErrInvalidInput)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
