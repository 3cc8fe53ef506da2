package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadRejectsPlaceholderSecret(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MROCORE_CONFIG", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth.secret")
}

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MROCORE_CONFIG", "")
	t.Setenv("MROCORE_AUTH_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	require.Equal(t, 5, cfg.Auth.LockoutThreshold)
	require.Equal(t, 15*time.Minute, cfg.Auth.LockoutDuration)
	require.Equal(t, 5, cfg.Auth.PasswordHistory)
	require.Equal(t, time.Hour, cfg.Auth.CSRFMaxAge)
	require.True(t, cfg.Auth.CookieSecure)
	require.Equal(t, ":8080", cfg.Server.HTTPAddr)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mrocore.yaml")
	content := []byte(`
server:
  http_addr: ":9000"
auth:
  secret: from-file
  access_ttl: 5m
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("MROCORE_CONFIG", path)
	t.Setenv("MROCORE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.HTTPAddr)
	require.Equal(t, "from-file", cfg.Auth.Secret)
	require.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadTrustedProxies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mrocore.yaml")
	content := []byte(`
server:
  trusted_proxies: ["10.0.0.0/8", "192.168.1.7"]
auth:
  secret: from-file
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("MROCORE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "192.168.1.7"}, cfg.Server.TrustedProxies)

	t.Setenv("MROCORE_SERVER_TRUSTED_PROXIES", "not-an-address")
	_, err = Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "trusted_proxies")
}

func TestLoadRejectsInvertedTTLs(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MROCORE_CONFIG", "")
	t.Setenv("MROCORE_AUTH_SECRET", "s3cret")
	t.Setenv("MROCORE_AUTH_ACCESS_TTL", "2h")
	t.Setenv("MROCORE_AUTH_REFRESH_TTL", "1h")

	_, err := Load()
	require.Error(t, err)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
