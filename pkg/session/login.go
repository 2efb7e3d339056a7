package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keeperhq/keeper/pkg/discord"
	"github.com/keeperhq/keeper/pkg/observability"
	"github.com/keeperhq/keeper/pkg/rbac"
)

// Core is the strategy-independent half of login: provider exchange,
// identity persistence, role resolution, cache upkeep and transparent
// provider-token refresh. Strategies wrap it with their own credential
// minting and checking.
type Core struct {
	exchange ExchangeClient
	store    IdentityStore
	roles    RoleResolver
	cache    CredentialCache
	logger   *observability.Logger
	metrics  *observability.Metrics

	// defaultTTL caps credential lifetime when the provider response
	// carries no expiry
	defaultTTL time.Duration
}

// NewCore wires the shared login pipeline
func NewCore(exchange ExchangeClient, store IdentityStore, roles RoleResolver, cache CredentialCache, logger *observability.Logger, metrics *observability.Metrics, defaultTTL time.Duration) *Core {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Core{
		exchange:   exchange,
		store:      store,
		roles:      roles,
		cache:      cache,
		logger:     logger,
		metrics:    metrics,
		defaultTTL: defaultTTL,
	}
}

// authenticate runs the provider side of a login: code exchange, identity
// fetch, local mirror upsert, first-login role grant, credential persistence
// and cache warm-up. It returns the user, their role set and the stored
// provider credential.
func (c *Core) authenticate(ctx context.Context, code string) (*rbac.User, []string, *rbac.ProviderCredential, error) {
	if code == "" {
		return nil, nil, nil, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}

	pair, err := c.exchange.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, nil, mapExchangeError(err)
	}

	profile, err := c.exchange.FetchIdentity(ctx, pair.AccessToken)
	if err != nil {
		// The token was just issued; any rejection here is a provider fault
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	user := &rbac.User{
		ID:          profile.ID,
		Username:    profile.Username,
		DisplayName: profile.GlobalName,
		AvatarRef:   profile.Avatar,
		Locale:      profile.Locale,
	}

	created, err := c.store.UpsertUser(ctx, user)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	if created {
		if err := c.store.GrantRole(ctx, user.ID, rbac.RoleUser); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to grant default role: %w", err)
		}
	}

	if !user.IsActive {
		return nil, nil, nil, ErrAccountInactive
	}

	// Expiry is recomputed against local time at write; the provider's
	// expires_in is relative to its own clock.
	lifetime := pair.ExpiresIn
	if lifetime <= 0 {
		lifetime = c.defaultTTL
	}
	cred := &rbac.ProviderCredential{
		UserID:       user.ID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
		TokenType:    pair.TokenType,
		ExpiresAt:    time.Now().Add(lifetime),
	}
	if err := c.store.UpsertProviderCredential(ctx, cred); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to store provider credential: %w", err)
	}

	roleSet, err := c.roles.RolesOf(ctx, user.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to resolve roles: %w", err)
	}

	// Cache warm-up is best effort; a failed write just costs a later miss
	if err := c.cache.SetProfile(ctx, user); err != nil {
		c.logger.WithError(err).Warn("failed to cache profile after login")
	}
	if err := c.cache.SetRoles(ctx, user.ID, roleSet); err != nil {
		c.logger.WithError(err).Warn("failed to cache roles after login")
	}
	if err := c.cache.SetProviderCredential(ctx, cred); err != nil {
		c.logger.WithError(err).Warn("failed to cache provider credential after login")
	}

	return user, roleSet, cred, nil
}

// userOf resolves a user through the cache with store fallback
func (c *Core) userOf(ctx context.Context, userID int64) (*rbac.User, error) {
	user, err := c.cache.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	user, err = c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetProfile(ctx, user); err != nil {
		c.logger.WithError(err).Warn("failed to backfill profile cache")
	}
	return user, nil
}

// rolesOf resolves a user's role set through the cache with store fallback.
// An unknown user resolves to the empty set.
func (c *Core) rolesOf(ctx context.Context, userID int64) ([]string, error) {
	cached, err := c.cache.GetRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	roleSet, err := c.roles.RolesOf(ctx, userID)
	if errors.Is(err, rbac.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetRoles(ctx, userID, roleSet); err != nil {
		c.logger.WithError(err).Warn("failed to backfill roles cache")
	}
	return roleSet, nil
}

// providerCredentialOf resolves the stored provider credential through the
// cache with store fallback. Returns nil when the user has none.
func (c *Core) providerCredentialOf(ctx context.Context, userID int64) (*rbac.ProviderCredential, error) {
	cred, err := c.cache.GetProviderCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		return cred, nil
	}

	cred, err = c.store.GetProviderCredential(ctx, userID)
	if errors.Is(err, rbac.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// freshenCredential ensures the user's provider credential is live,
// refreshing it against the provider when expired. A concurrent logout wins:
// the refreshed pair is only written back if the stored credential still
// exists. Returns ErrSessionExpired when no live credential can be produced.
func (c *Core) freshenCredential(ctx context.Context, userID int64) error {
	cred, err := c.providerCredentialOf(ctx, userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrSessionExpired
	}
	if !cred.Expired() {
		return nil
	}

	pair, err := c.exchange.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, discord.ErrRefreshInvalid) {
			c.metrics.ObserveRefresh("rejected")
			c.teardownCredential(ctx, userID)
			return fmt.Errorf("%w: provider rejected refresh", ErrSessionExpired)
		}
		c.metrics.ObserveRefresh("error")
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// Logout may have raced the refresh; never resurrect a deleted
	// credential.
	if _, err := c.store.GetProviderCredential(ctx, userID); err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			c.metrics.ObserveRefresh("superseded")
			return ErrSessionExpired
		}
		return err
	}

	lifetime := pair.ExpiresIn
	if lifetime <= 0 {
		lifetime = c.defaultTTL
	}
	refreshed := &rbac.ProviderCredential{
		UserID:       userID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
		TokenType:    pair.TokenType,
		ExpiresAt:    time.Now().Add(lifetime),
	}
	if err := c.store.UpsertProviderCredential(ctx, refreshed); err != nil {
		return fmt.Errorf("failed to store refreshed credential: %w", err)
	}
	if err := c.cache.SetProviderCredential(ctx, refreshed); err != nil {
		c.logger.WithError(err).Warn("failed to cache refreshed credential")
	}

	c.metrics.ObserveRefresh("success")
	return nil
}

// teardownCredential removes a user's provider credential from store and
// cache, revoking it upstream on a best-effort basis
func (c *Core) teardownCredential(ctx context.Context, userID int64) {
	if cred, err := c.providerCredentialOf(ctx, userID); err == nil && cred != nil {
		if err := c.exchange.Revoke(ctx, cred.AccessToken); err != nil {
			c.logger.WithError(err).WithField("user_id", userID).Warn("provider revocation failed")
		}
	}
	if err := c.store.DeleteProviderCredential(ctx, userID); err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Warn("failed to delete provider credential")
	}
	if err := c.cache.DeleteProviderCredential(ctx, userID); err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Warn("failed to clear cached credential")
	}
}

// requireRoles enforces the required role list against a user with AND
// semantics, returning the user's resolved role set either way
func (c *Core) requireRoles(ctx context.Context, userID int64, required []string) ([]string, error) {
	if len(required) == 0 {
		return c.rolesOf(ctx, userID)
	}

	granted, current, err := c.roles.HasRole(ctx, userID, required)
	if err != nil {
		return current, err
	}
	if !granted {
		return current, ErrPermissionDenied
	}
	return current, nil
}

// mapExchangeError translates provider exchange failures into the package
// error taxonomy
func mapExchangeError(err error) error {
	switch {
	case errors.Is(err, discord.ErrInvalidGrant):
		return fmt.Errorf("%w: %v", ErrInvalidCode, err)
	case errors.Is(err, discord.ErrNetwork), errors.Is(err, discord.ErrServer):
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}
