package middleware

import (
	"context"
	"time"

	"github.com/cqp-go/siteagent/pkg/cache"
)

// RedisTokenBlacklist implements TokenBlacklist on top of the shared Redis
// cache wrapper, fencing a decommissioned or compromised site's tokens
// without having to rotate every peer's trust config.
type RedisTokenBlacklist struct {
	cache *cache.RedisCache
}

// NewRedisTokenBlacklist creates a new RedisTokenBlacklist.
func NewRedisTokenBlacklist(c *cache.RedisCache) *RedisTokenBlacklist {
	return &RedisTokenBlacklist{cache: c}
}

// Blacklist adds a token to the blacklist with an expiration.
func (b *RedisTokenBlacklist) Blacklist(ctx context.Context, token string, expiration time.Duration) error {
	return b.cache.Set(ctx, "blacklist:"+token, "revoked", expiration)
}

// IsBlacklisted checks if a token is in the blacklist.
func (b *RedisTokenBlacklist) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	return b.cache.Exists(ctx, "blacklist:"+token)
}
