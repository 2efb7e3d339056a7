package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keeperhq/keeper/pkg/config"
	"github.com/keeperhq/keeper/pkg/rbac"
)

// Claims is the signed-token payload. User tokens carry only the subject;
// roles are resolved server-side on every validation. Service tokens embed
// their role grant because service clients have no store record.
type Claims struct {
	Type  string   `json:"typ"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenStrategy issues self-contained HMAC-signed tokens. Validation is
// mostly stateless; the revocation list in the cache is the one server-side
// check.
type TokenStrategy struct {
	core *Core
	cfg  config.TokenConfig

	// clients is the static service-to-service registry
	clients []config.ServiceClient
}

// NewTokenStrategy creates the signed-token strategy
func NewTokenStrategy(core *Core, cfg config.TokenConfig, clients []config.ServiceClient) *TokenStrategy {
	return &TokenStrategy{core: core, cfg: cfg, clients: clients}
}

// Login authenticates the code against the provider and mints a signed user
// token. The token lifetime tracks the provider credential lifetime so both
// lapse together.
func (s *TokenStrategy) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	user, roleSet, cred, err := s.core.authenticate(ctx, req.Code)
	if err != nil {
		s.core.metrics.ObserveLogin("token", loginOutcome(err))
		return nil, err
	}

	lifetime := time.Until(cred.ExpiresAt)
	if lifetime <= 0 {
		lifetime = s.cfg.DefaultTTL
	}

	jti := uuid.NewString()
	expiresAt := time.Now().Add(lifetime)

	token, err := s.sign(Claims{
		Type: TokenTypeUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		s.core.metrics.ObserveLogin("token", "error")
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	// Marker of the newest token per user, for operator inspection;
	// logout clears it along with the rest of the cached user state.
	if err := s.core.cache.SetIssuedToken(ctx, user.ID, jti, lifetime); err != nil {
		s.core.logger.WithError(err).Warn("failed to record issued token")
	}

	if _, err := s.core.store.UpsertUserSession(ctx, user.ID, req.DeviceID, jti); err != nil {
		s.core.metrics.ObserveLogin("token", "error")
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	s.core.metrics.ObserveLogin("token", "success")
	return &LoginResult{
		UserID:    user.ID,
		Username:  user.Username,
		Roles:     roleSet,
		Token:     token,
		TokenType: "bearer",
		ExpiresAt: expiresAt,
	}, nil
}

// LoginService authenticates a registered service client and mints a signed
// service token with its role grant embedded in the claims
func (s *TokenStrategy) LoginService(ctx context.Context, clientID, secret string) (*LoginResult, error) {
	client, ok := s.lookupClient(clientID, secret)
	if !ok {
		s.core.metrics.ObserveLogin("service", "invalid_client")
		return nil, ErrInvalidClient
	}

	expiresAt := time.Now().Add(s.cfg.ServiceTTL)
	token, err := s.sign(Claims{
		Type:  TokenTypeService,
		Roles: client.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   client.ClientID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		s.core.metrics.ObserveLogin("service", "error")
		return nil, fmt.Errorf("failed to sign service token: %w", err)
	}

	s.core.metrics.ObserveLogin("service", "success")
	return &LoginResult{
		ClientID:  client.ClientID,
		Roles:     client.Roles,
		Token:     token,
		TokenType: "bearer",
		ExpiresAt: expiresAt,
	}, nil
}

// Validate verifies a signed token in the user context and enforces the
// required roles against live server state: revocation list, account status,
// provider credential freshness and current role grants. Only user-typed
// tokens pass here; a service token in a user context is ErrWrongTokenType
// regardless of its embedded roles. The type claim is checked before the
// revocation list so a revoked token of the wrong type still reports the
// type mismatch.
func (s *TokenStrategy) Validate(ctx context.Context, credential string, requiredRoles []string) (*Identity, error) {
	claims, err := s.parse(credential, true)
	if err != nil {
		s.core.metrics.ObserveValidate("token", validateOutcome(err))
		return nil, err
	}

	if claims.Type != TokenTypeUser {
		s.core.metrics.ObserveValidate("token", "wrong_type")
		return nil, fmt.Errorf("%w: %q token in user context", ErrWrongTokenType, claims.Type)
	}

	if err := s.checkRevocation(ctx, claims.ID); err != nil {
		s.core.metrics.ObserveValidate("token", validateOutcome(err))
		return nil, err
	}

	return s.validateUser(ctx, claims, requiredRoles)
}

// ValidateService verifies a signed token in the service context against the
// claims-embedded role grant. Only service-typed tokens pass; a user token in
// a service context is ErrWrongTokenType.
func (s *TokenStrategy) ValidateService(ctx context.Context, credential string, requiredRoles []string) (*Identity, error) {
	claims, err := s.parse(credential, true)
	if err != nil {
		s.core.metrics.ObserveValidate("service", validateOutcome(err))
		return nil, err
	}

	if claims.Type != TokenTypeService {
		s.core.metrics.ObserveValidate("service", "wrong_type")
		return nil, fmt.Errorf("%w: %q token in service context", ErrWrongTokenType, claims.Type)
	}

	if err := s.checkRevocation(ctx, claims.ID); err != nil {
		s.core.metrics.ObserveValidate("service", validateOutcome(err))
		return nil, err
	}

	return s.validateService(claims, requiredRoles)
}

// checkRevocation consults the revocation list for a token id
func (s *TokenStrategy) checkRevocation(ctx context.Context, jti string) error {
	revoked, err := s.core.cache.IsRevoked(ctx, jti)
	if err != nil {
		return err
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func (s *TokenStrategy) validateUser(ctx context.Context, claims *Claims, requiredRoles []string) (*Identity, error) {
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		s.core.metrics.ObserveValidate("token", "invalid")
		return nil, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}

	user, err := s.core.userOf(ctx, userID)
	if errors.Is(err, rbac.ErrNotFound) {
		s.core.metrics.ObserveValidate("token", "invalid")
		return nil, fmt.Errorf("%w: unknown subject", ErrTokenInvalid)
	}
	if err != nil {
		s.core.metrics.ObserveValidate("token", "error")
		return nil, err
	}

	if !user.IsActive {
		s.core.metrics.ObserveValidate("token", "inactive")
		return nil, ErrAccountInactive
	}

	if err := s.core.freshenCredential(ctx, userID); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			// The provider side is gone; the signed token no longer
			// stands for a live login.
			s.core.metrics.ObserveValidate("token", "expired")
			return nil, fmt.Errorf("%w: provider credential lapsed", ErrTokenExpired)
		}
		s.core.metrics.ObserveValidate("token", "error")
		return nil, err
	}

	current, err := s.core.requireRoles(ctx, userID, requiredRoles)
	identity := &Identity{UserID: userID, Type: TokenTypeUser, Roles: current}
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			s.core.metrics.ObserveValidate("token", "denied")
			return identity, err
		}
		s.core.metrics.ObserveValidate("token", "error")
		return nil, err
	}

	s.core.metrics.ObserveValidate("token", "success")
	return identity, nil
}

// validateService checks required roles against the claims-embedded grant;
// service clients have no store record to consult
func (s *TokenStrategy) validateService(claims *Claims, requiredRoles []string) (*Identity, error) {
	identity := &Identity{ClientID: claims.Subject, Type: TokenTypeService, Roles: claims.Roles}

	held := make(map[string]struct{}, len(claims.Roles))
	for _, name := range claims.Roles {
		held[name] = struct{}{}
	}
	for _, name := range requiredRoles {
		if name == rbac.RoleAnonymous {
			continue
		}
		if _, ok := held[name]; !ok {
			s.core.metrics.ObserveValidate("service", "denied")
			return identity, ErrPermissionDenied
		}
	}

	s.core.metrics.ObserveValidate("service", "success")
	return identity, nil
}

// Logout revokes a signed token for its remaining lifetime and tears down
// the user's server-side state. A token that has already lapsed is reported
// as such; there is nothing left to revoke.
func (s *TokenStrategy) Logout(ctx context.Context, credential string) error {
	// Expiry is checked by hand below so an expired-but-genuine token gets
	// the dedicated error instead of a parse failure.
	claims, err := s.parse(credential, false)
	if err != nil {
		return err
	}

	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: missing expiry", ErrTokenInvalid)
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return ErrTokenAlreadyExpired
	}

	if err := s.core.cache.Revoke(ctx, claims.ID, remaining); err != nil {
		return err
	}

	if claims.Type != TokenTypeUser {
		return nil
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}

	s.core.teardownCredential(ctx, userID)
	if err := s.core.store.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete session records: %w", err)
	}
	if err := s.core.cache.ClearUser(ctx, userID); err != nil {
		s.core.logger.WithError(err).WithField("user_id", userID).Warn("failed to clear cached user state")
	}
	return nil
}

func (s *TokenStrategy) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.SigningSecret))
}

// parse verifies the token signature and decodes claims. With validateTime
// set, a lapsed token surfaces as ErrTokenExpired; without it the signature
// is still verified but expiry is left to the caller.
func (s *TokenStrategy) parse(credential string, validateTime bool) (*Claims, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.SigningSecret), nil
	}

	opts := []jwt.ParserOption{jwt.WithIssuer(s.cfg.Issuer)}
	if !validateTime {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(credential, &claims, keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

// lookupClient finds a registered service client by id and checks its secret
// in constant time
func (s *TokenStrategy) lookupClient(clientID, secret string) (*config.ServiceClient, bool) {
	for i := range s.clients {
		if s.clients[i].ClientID != clientID {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(s.clients[i].Secret), []byte(secret)) == 1 {
			return &s.clients[i], true
		}
		return nil, false
	}
	return nil, false
}

// validateOutcome buckets a validation error for metrics
func validateOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	default:
		return "error"
	}
}
