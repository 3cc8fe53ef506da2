// Package config loads service configuration from defaults, an optional YAML
// file and MROCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const placeholderSecret = "CHANGE_ME"

type Config struct {
	Server struct {
		HTTPAddr       string   `mapstructure:"http_addr"`
		GRPCAddr       string   `mapstructure:"grpc_addr"`
		MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
		RateBurst      int      `mapstructure:"rate_burst"`
		RatePerSec     int      `mapstructure:"rate_per_sec"`
		TrustedProxies []string `mapstructure:"trusted_proxies"` // addresses or CIDR blocks
	} `mapstructure:"server"`

	Database struct {
		DSN            string `mapstructure:"dsn"` // empty: in-memory stores
		MaxOpenConns   int    `mapstructure:"max_open_conns"`
		MigrateOnStart bool   `mapstructure:"migrate_on_start"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string `mapstructure:"addr"` // empty: login throttling disabled
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Auth struct {
		Secret           string        `mapstructure:"secret"`
		Issuer           string        `mapstructure:"issuer"`
		AccessTTL        time.Duration `mapstructure:"access_ttl"`
		RefreshTTL       time.Duration `mapstructure:"refresh_ttl"`
		CookieSecure     bool          `mapstructure:"cookie_secure"`
		CSRFMaxAge       time.Duration `mapstructure:"csrf_max_age"`
		LockoutThreshold int           `mapstructure:"lockout_threshold"`
		LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
		MaxPasswordAge   time.Duration `mapstructure:"max_password_age"`
		PasswordHistory  int           `mapstructure:"password_history"`
		LoginMaxAttempts int           `mapstructure:"login_max_attempts"`
		LoginWindow      time.Duration `mapstructure:"login_window"`
	} `mapstructure:"auth"`

	TOTP struct {
		Issuer string `mapstructure:"issuer"`
	} `mapstructure:"totp"`

	Log struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warn|error
		Format string `mapstructure:"format"` // text|json
	} `mapstructure:"log"`
}

// Load reads configuration. MROCORE_CONFIG points at an explicit file;
// otherwise config.yaml is looked up in the working directory and /etc/mrocore.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MROCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if cfgFile := os.Getenv("MROCORE_CONFIG"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mrocore")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.rate_burst", 50)
	v.SetDefault("server.rate_per_sec", 20)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.secret", placeholderSecret)
	v.SetDefault("auth.issuer", "mrocore")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("auth.cookie_secure", true)
	v.SetDefault("auth.csrf_max_age", time.Hour)
	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_duration", 15*time.Minute)
	v.SetDefault("auth.max_password_age", 90*24*time.Hour)
	v.SetDefault("auth.password_history", 5)
	v.SetDefault("auth.login_max_attempts", 20)
	v.SetDefault("auth.login_window", 15*time.Minute)

	v.SetDefault("totp.issuer", "MRO Inventory")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func validate(c *Config) error {
	secret := strings.TrimSpace(c.Auth.Secret)
	if secret == "" || secret == placeholderSecret {
		return errors.New("auth.secret must be set (not empty and not CHANGE_ME)")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("auth.access_ttl and auth.refresh_ttl must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		return errors.New("auth.refresh_ttl must not be shorter than auth.access_ttl")
	}
	if c.Auth.LockoutThreshold <= 0 {
		return errors.New("auth.lockout_threshold must be positive")
	}
	if c.Auth.PasswordHistory < 0 || c.Auth.MaxPasswordAge < 0 {
		return errors.New("auth.password_history and auth.max_password_age must not be negative")
	}
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr must not be empty")
	}
	for _, p := range c.Server.TrustedProxies {
		p = strings.TrimSpace(p)
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			return fmt.Errorf("server.trusted_proxies: invalid entry %q", p)
		}
	}
	return nil
}
