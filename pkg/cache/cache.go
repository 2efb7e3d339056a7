// Package cache is the redis-backed credential cache: profile and role
// snapshots, provider token copies, cookie-session bindings, issued-token
// tracking and the signed-token revocation list. Backend failures degrade to
// cache misses unless the fail-closed policy is set.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/keeperhq/keeper/pkg/config"
	"github.com/keeperhq/keeper/pkg/observability"
	"github.com/keeperhq/keeper/pkg/rbac"
)

// ErrUnavailable is returned for backend failures when the cache runs
// fail-closed.
var ErrUnavailable = errors.New("credential cache unavailable")

// cachedCredential is the redis payload for a provider token pair. The rbac
// type hides tokens from JSON on purpose, so the cache carries its own shape.
type cachedCredential struct {
	UserID       int64     `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scope        string    `json:"scope"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Cache is the two-level credential cache: an in-process LRU in front of
// redis for the read-heavy profile and role lookups.
type Cache struct {
	redis   *redis.Client
	cfg     config.CacheConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	l1Profiles *expirable.LRU[int64, *rbac.User]
	l1Roles    *expirable.LRU[int64, []string]
}

// NewCache connects to redis and builds the cache
func NewCache(redisCfg config.RedisConfig, cacheCfg config.CacheConfig, logger *observability.Logger, metrics *observability.Metrics) (*Cache, error) {
	opts, err := redis.ParseURL(redisCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if redisCfg.Password != "" {
		opts.Password = redisCfg.Password
	}
	if redisCfg.DB >= 0 {
		opts.DB = redisCfg.DB
	}
	if redisCfg.MaxRetries > 0 {
		opts.MaxRetries = redisCfg.MaxRetries
	}
	if redisCfg.PoolSize > 0 {
		opts.PoolSize = redisCfg.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewCacheWithClient(client, cacheCfg, logger, metrics), nil
}

// NewCacheWithClient builds the cache around an existing redis client.
// Used by tests with a miniredis-backed client.
func NewCacheWithClient(client *redis.Client, cacheCfg config.CacheConfig, logger *observability.Logger, metrics *observability.Metrics) *Cache {
	l1Size := cacheCfg.L1Size
	if l1Size <= 0 {
		l1Size = 1024
	}

	return &Cache{
		redis:      client,
		cfg:        cacheCfg,
		logger:     logger,
		metrics:    metrics,
		l1Profiles: expirable.NewLRU[int64, *rbac.User](l1Size, nil, cacheCfg.L1TTL),
		l1Roles:    expirable.NewLRU[int64, []string](l1Size, nil, cacheCfg.L1TTL),
	}
}

// Close closes the redis connection
func (c *Cache) Close() error {
	return c.redis.Close()
}

// Ping checks redis connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// degrade applies the failure policy to a backend error: fail-closed
// surfaces it, fail-open logs and converts it to a miss.
func (c *Cache) degrade(entry string, err error) error {
	c.metrics.ObserveCache(entry, "error")
	if c.cfg.FailClosed {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if c.logger != nil {
		c.logger.WithError(err).WithField("entry", entry).Warn("cache backend error, degrading to miss")
	}
	return nil
}

// GetProfile returns the cached profile snapshot, or nil on a miss
func (c *Cache) GetProfile(ctx context.Context, userID int64) (*rbac.User, error) {
	if user, ok := c.l1Profiles.Get(userID); ok {
		c.metrics.ObserveCache("profile", "l1_hit")
		return user, nil
	}

	data, err := c.redis.Get(ctx, profileKey(userID)).Result()
	if err == redis.Nil {
		c.metrics.ObserveCache("profile", "miss")
		return nil, nil
	} else if err != nil {
		return nil, c.degrade("profile", err)
	}

	var user rbac.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		// Corrupt entry; drop it and treat as a miss
		c.redis.Del(ctx, profileKey(userID))
		c.metrics.ObserveCache("profile", "miss")
		return nil, nil
	}

	c.metrics.ObserveCache("profile", "hit")
	c.l1Profiles.Add(userID, &user)
	return &user, nil
}

// SetProfile stores a profile snapshot
func (c *Cache) SetProfile(ctx context.Context, user *rbac.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	if err := c.redis.Set(ctx, profileKey(user.ID), data, c.cfg.ProfileTTL).Err(); err != nil {
		return c.degrade("profile", err)
	}
	c.l1Profiles.Add(user.ID, user)
	return nil
}

// GetRoles returns the cached role set. A nil slice means a miss; a cached
// empty role set comes back as a non-nil empty slice.
func (c *Cache) GetRoles(ctx context.Context, userID int64) ([]string, error) {
	if roles, ok := c.l1Roles.Get(userID); ok {
		c.metrics.ObserveCache("roles", "l1_hit")
		return roles, nil
	}

	data, err := c.redis.Get(ctx, rolesKey(userID)).Result()
	if err == redis.Nil {
		c.metrics.ObserveCache("roles", "miss")
		return nil, nil
	} else if err != nil {
		return nil, c.degrade("roles", err)
	}

	roles := []string{}
	if err := json.Unmarshal([]byte(data), &roles); err != nil {
		c.redis.Del(ctx, rolesKey(userID))
		c.metrics.ObserveCache("roles", "miss")
		return nil, nil
	}

	c.metrics.ObserveCache("roles", "hit")
	c.l1Roles.Add(userID, roles)
	return roles, nil
}

// SetRoles stores a role snapshot
func (c *Cache) SetRoles(ctx context.Context, userID int64, roles []string) error {
	if roles == nil {
		roles = []string{}
	}

	data, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}

	if err := c.redis.Set(ctx, rolesKey(userID), data, c.cfg.RolesTTL).Err(); err != nil {
		return c.degrade("roles", err)
	}
	c.l1Roles.Add(userID, roles)
	return nil
}

// GetProviderCredential returns the cached provider token pair, or nil on a
// miss. The entry's TTL is pinned to the provider expiry, so an entry that is
// present is not yet expired.
func (c *Cache) GetProviderCredential(ctx context.Context, userID int64) (*rbac.ProviderCredential, error) {
	data, err := c.redis.Get(ctx, providerKey(userID)).Result()
	if err == redis.Nil {
		c.metrics.ObserveCache("provider", "miss")
		return nil, nil
	} else if err != nil {
		return nil, c.degrade("provider", err)
	}

	var wire cachedCredential
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		c.redis.Del(ctx, providerKey(userID))
		c.metrics.ObserveCache("provider", "miss")
		return nil, nil
	}

	c.metrics.ObserveCache("provider", "hit")
	return &rbac.ProviderCredential{
		UserID:       wire.UserID,
		AccessToken:  wire.AccessToken,
		RefreshToken: wire.RefreshToken,
		Scope:        wire.Scope,
		TokenType:    wire.TokenType,
		ExpiresAt:    wire.ExpiresAt,
	}, nil
}

// SetProviderCredential stores a provider token pair with its TTL pinned to
// the token expiry. An already-expired credential clears the entry instead.
func (c *Cache) SetProviderCredential(ctx context.Context, cred *rbac.ProviderCredential) error {
	ttl := time.Until(cred.ExpiresAt)
	if ttl <= 0 {
		return c.DeleteProviderCredential(ctx, cred.UserID)
	}

	data, err := json.Marshal(cachedCredential{
		UserID:       cred.UserID,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Scope:        cred.Scope,
		TokenType:    cred.TokenType,
		ExpiresAt:    cred.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal provider credential: %w", err)
	}

	if err := c.redis.Set(ctx, providerKey(cred.UserID), data, ttl).Err(); err != nil {
		return c.degrade("provider", err)
	}
	return nil
}

// DeleteProviderCredential removes the cached provider token pair
func (c *Cache) DeleteProviderCredential(ctx context.Context, userID int64) error {
	if err := c.redis.Del(ctx, providerKey(userID)).Err(); err != nil {
		return c.degrade("provider", err)
	}
	return nil
}

// BindSession maps an opaque session key to a user for the cookie strategy.
// Callers re-bind on each successful validation to slide the expiry.
func (c *Cache) BindSession(ctx context.Context, key string, userID int64, ttl time.Duration) error {
	if err := c.redis.Set(ctx, sessionKey(key), userID, ttl).Err(); err != nil {
		return c.degrade("session", err)
	}
	return nil
}

// MapSessionToUser resolves a session key to its user. The second return
// is false when no binding exists.
func (c *Cache) MapSessionToUser(ctx context.Context, key string) (int64, bool, error) {
	userID, err := c.redis.Get(ctx, sessionKey(key)).Int64()
	if err == redis.Nil {
		c.metrics.ObserveCache("session", "miss")
		return 0, false, nil
	} else if err != nil {
		return 0, false, c.degrade("session", err)
	}
	c.metrics.ObserveCache("session", "hit")
	return userID, true, nil
}

// UnbindSession removes a session binding. Idempotent.
func (c *Cache) UnbindSession(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, sessionKey(key)).Err(); err != nil {
		return c.degrade("session", err)
	}
	return nil
}

// Revoke adds a token id to the revocation list for the token's remaining
// lifetime. Once the token would have expired anyway the entry lapses.
func (c *Cache) Revoke(ctx context.Context, jti string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	if err := c.redis.Set(ctx, revokedKey(jti), 1, remaining).Err(); err != nil {
		// Revocation must not silently fail open; an unrecorded revocation
		// leaves a live credential behind.
		c.metrics.ObserveCache("revoked", "error")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.metrics.ObserveRevocation()
	return nil
}

// IsRevoked reports whether a token id is on the revocation list
func (c *Cache) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := c.redis.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		if degraded := c.degrade("revoked", err); degraded != nil {
			return false, degraded
		}
		// Fail-open treats an unreachable list as not-revoked
		return false, nil
	}
	return n > 0, nil
}

// SetIssuedToken records the most recent token id issued to a user, for
// operator inspection. ClearUser drops it with the rest of the user's state.
func (c *Cache) SetIssuedToken(ctx context.Context, userID int64, jti string, ttl time.Duration) error {
	if err := c.redis.Set(ctx, issuedTokenKey(userID), jti, ttl).Err(); err != nil {
		return c.degrade("token", err)
	}
	return nil
}

// GetIssuedToken returns the most recent token id issued to a user
func (c *Cache) GetIssuedToken(ctx context.Context, userID int64) (string, bool, error) {
	jti, err := c.redis.Get(ctx, issuedTokenKey(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, c.degrade("token", err)
	}
	return jti, true, nil
}

// ClearIssuedToken removes the issued-token marker for a user
func (c *Cache) ClearIssuedToken(ctx context.Context, userID int64) error {
	if err := c.redis.Del(ctx, issuedTokenKey(userID)).Err(); err != nil {
		return c.degrade("token", err)
	}
	return nil
}

// ClearUser drops every cached entry for a user: profile, roles, provider
// tokens and the issued-token marker. Session bindings are keyed by session
// key and are unbound separately.
func (c *Cache) ClearUser(ctx context.Context, userID int64) error {
	c.l1Profiles.Remove(userID)
	c.l1Roles.Remove(userID)

	err := c.redis.Del(ctx,
		profileKey(userID),
		rolesKey(userID),
		providerKey(userID),
		issuedTokenKey(userID),
	).Err()
	if err != nil {
		return c.degrade("user", err)
	}
	return nil
}
