// Package ratelimit throttles login attempts with fixed-window counters in Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned when the attempt budget is exhausted.
	ErrRateLimited = errors.New("ratelimit: too many attempts")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("ratelimit: redis unavailable")
)

const keyPrefix = "mrocore:login:"

// Config tunes the login limiter.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// LoginLimiter counts failed logins per employee number and per client IP.
type LoginLimiter struct {
	redis  redis.UniversalClient
	config Config
}

// NewLoginLimiter creates a limiter backed by the given Redis client.
func NewLoginLimiter(client redis.UniversalClient, cfg Config) *LoginLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &LoginLimiter{redis: client, config: cfg}
}

// Check returns ErrRateLimited when either counter is over budget.
func (l *LoginLimiter) Check(ctx context.Context, employeeNumber, ip string) error {
	for _, key := range l.keys(employeeNumber, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= int64(l.config.MaxAttempts) {
			return ErrRateLimited
		}
	}
	return nil
}

// Fail records a failed attempt. The window starts at the first failure.
func (l *LoginLimiter) Fail(ctx context.Context, employeeNumber, ip string) error {
	for _, key := range l.keys(employeeNumber, ip) {
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count == 1 {
			if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
	}
	return nil
}

// Reset clears the employee counter after a successful login. The IP counter
// is kept so one address cannot cycle through accounts.
func (l *LoginLimiter) Reset(ctx context.Context, employeeNumber string) error {
	if strings.TrimSpace(employeeNumber) == "" {
		return nil
	}
	if err := l.redis.Del(ctx, userKey(employeeNumber)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RetryAfter reports how long until the employee or IP window closes.
func (l *LoginLimiter) RetryAfter(ctx context.Context, employeeNumber, ip string) time.Duration {
	var longest time.Duration
	for _, key := range l.keys(employeeNumber, ip) {
		ttl, err := l.redis.TTL(ctx, key).Result()
		if err == nil && ttl > longest {
			longest = ttl
		}
	}
	if longest <= 0 {
		return l.config.Window
	}
	return longest
}

func (l *LoginLimiter) keys(employeeNumber, ip string) []string {
	var keys []string
	if strings.TrimSpace(employeeNumber) != "" {
		keys = append(keys, userKey(employeeNumber))
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		keys = append(keys, keyPrefix+"ip:"+ip)
	}
	return keys
}

func userKey(employeeNumber string) string {
	return keyPrefix + "user:" + strings.ToLower(strings.TrimSpace(employeeNumber))
}
