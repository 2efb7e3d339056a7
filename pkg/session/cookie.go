package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keeperhq/keeper/pkg/rbac"
)

// CookieStrategy issues opaque session keys bound to users in the cache.
// The key carries no claims; every validation resolves state server-side,
// so revocation is immediate.
type CookieStrategy struct {
	core *Core

	// sessionTTL is the idle lifetime of a session binding; each
	// successful validation slides it forward
	sessionTTL time.Duration
}

// NewCookieStrategy creates the cookie-session strategy
func NewCookieStrategy(core *Core, sessionTTL time.Duration) *CookieStrategy {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	return &CookieStrategy{core: core, sessionTTL: sessionTTL}
}

// Login authenticates the code against the provider and mints an opaque
// session key. One session row is kept per (user, device); an older login
// from the same device is displaced.
func (s *CookieStrategy) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	user, roleSet, _, err := s.core.authenticate(ctx, req.Code)
	if err != nil {
		s.core.metrics.ObserveLogin("cookie", loginOutcome(err))
		return nil, err
	}

	key := uuid.NewString()
	if err := s.core.cache.BindSession(ctx, key, user.ID, s.sessionTTL); err != nil {
		s.core.metrics.ObserveLogin("cookie", "error")
		return nil, fmt.Errorf("failed to bind session: %w", err)
	}

	if _, err := s.core.store.UpsertUserSession(ctx, user.ID, req.DeviceID, key); err != nil {
		s.core.metrics.ObserveLogin("cookie", "error")
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	s.core.metrics.ObserveLogin("cookie", "success")
	return &LoginResult{
		UserID:     user.ID,
		Username:   user.Username,
		Roles:      roleSet,
		TokenType:  "cookie",
		ExpiresAt:  time.Now().Add(s.sessionTTL),
		SessionKey: key,
	}, nil
}

// Validate resolves a session key to its user, keeps the provider
// credential live, slides the session expiry and enforces the required
// roles. The returned identity is populated even when the error is a role
// denial so callers can report what the caller holds.
func (s *CookieStrategy) Validate(ctx context.Context, credential string, requiredRoles []string) (*Identity, error) {
	if credential == "" {
		s.core.metrics.ObserveValidate("cookie", "no_session")
		return nil, ErrNoSession
	}

	userID, ok, err := s.core.cache.MapSessionToUser(ctx, credential)
	if err != nil {
		s.core.metrics.ObserveValidate("cookie", "error")
		return nil, err
	}
	if !ok {
		s.core.metrics.ObserveValidate("cookie", "no_session")
		return nil, ErrNoSession
	}

	user, err := s.core.userOf(ctx, userID)
	if errors.Is(err, rbac.ErrNotFound) {
		// The account was deleted out from under the session
		s.teardown(ctx, credential, userID)
		s.core.metrics.ObserveValidate("cookie", "no_session")
		return nil, ErrNoSession
	}
	if err != nil {
		s.core.metrics.ObserveValidate("cookie", "error")
		return nil, err
	}

	if !user.IsActive {
		s.teardown(ctx, credential, userID)
		s.core.metrics.ObserveValidate("cookie", "inactive")
		return nil, ErrAccountInactive
	}

	if err := s.core.freshenCredential(ctx, userID); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			s.teardown(ctx, credential, userID)
			s.core.metrics.ObserveValidate("cookie", "expired")
			return nil, err
		}
		s.core.metrics.ObserveValidate("cookie", "error")
		return nil, err
	}

	// Sliding expiry
	if err := s.core.cache.BindSession(ctx, credential, userID, s.sessionTTL); err != nil {
		s.core.logger.WithError(err).Warn("failed to slide session expiry")
	}

	current, err := s.core.requireRoles(ctx, userID, requiredRoles)
	identity := &Identity{UserID: userID, Type: TokenTypeSession, Roles: current}
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			s.core.metrics.ObserveValidate("cookie", "denied")
			return identity, err
		}
		s.core.metrics.ObserveValidate("cookie", "error")
		return nil, err
	}

	s.core.metrics.ObserveValidate("cookie", "success")
	return identity, nil
}

// Logout tears down a session and the user's provider credential.
// Unknown keys are a no-op.
func (s *CookieStrategy) Logout(ctx context.Context, credential string) error {
	if credential == "" {
		return nil
	}

	userID, ok, err := s.core.cache.MapSessionToUser(ctx, credential)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.teardown(ctx, credential, userID)

	if err := s.core.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete session records: %w", err)
	}
	if err := s.core.cache.ClearUser(ctx, userID); err != nil {
		s.core.logger.WithError(err).WithField("user_id", userID).Warn("failed to clear cached user state")
	}
	return nil
}

func (s *CookieStrategy) teardown(ctx context.Context, credential string, userID int64) {
	if err := s.core.cache.UnbindSession(ctx, credential); err != nil {
		s.core.logger.WithError(err).Warn("failed to unbind session")
	}
	s.core.teardownCredential(ctx, userID)
}

// loginOutcome buckets a login error for metrics
func loginOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrAccountInactive):
		return "inactive"
	default:
		return "error"
	}
}
