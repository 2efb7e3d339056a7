// Package session implements the two login strategies over the Discord
// identity exchange: opaque cookie sessions and self-contained signed tokens,
// plus service-to-service token issuance. Strategies share one login
// pipeline and differ in how a credential is minted and validated.
package session

import (
	"context"
	"time"

	"github.com/keeperhq/keeper/pkg/discord"
	"github.com/keeperhq/keeper/pkg/rbac"
)

// TokenType discriminates issued credentials
const (
	TokenTypeUser    = "user"
	TokenTypeService = "service"
	TokenTypeSession = "session"
)

// ExchangeClient is the provider-facing surface of the login pipeline
type ExchangeClient interface {
	ExchangeCode(ctx context.Context, code string) (*discord.TokenPair, error)
	FetchIdentity(ctx context.Context, accessToken string) (*discord.Profile, error)
	Refresh(ctx context.Context, refreshToken string) (*discord.TokenPair, error)
	Revoke(ctx context.Context, token string) error
}

// IdentityStore is the durable-store surface the strategies depend on
type IdentityStore interface {
	UpsertUser(ctx context.Context, user *rbac.User) (bool, error)
	GetUser(ctx context.Context, userID int64) (*rbac.User, error)
	GrantRole(ctx context.Context, userID int64, roleName string) error
	UpsertProviderCredential(ctx context.Context, cred *rbac.ProviderCredential) error
	GetProviderCredential(ctx context.Context, userID int64) (*rbac.ProviderCredential, error)
	DeleteProviderCredential(ctx context.Context, userID int64) error
	UpsertUserSession(ctx context.Context, userID int64, deviceID, sessionKey string) (*rbac.UserSession, error)
	DeleteUserSessions(ctx context.Context, userID int64) error
}

// RoleResolver answers role-membership questions
type RoleResolver interface {
	RolesOf(ctx context.Context, userID int64) ([]string, error)
	HasRole(ctx context.Context, userID int64, required []string) (bool, []string, error)
}

// CredentialCache is the redis-backed cache surface the strategies depend on
type CredentialCache interface {
	GetProfile(ctx context.Context, userID int64) (*rbac.User, error)
	SetProfile(ctx context.Context, user *rbac.User) error
	GetRoles(ctx context.Context, userID int64) ([]string, error)
	SetRoles(ctx context.Context, userID int64, roles []string) error
	GetProviderCredential(ctx context.Context, userID int64) (*rbac.ProviderCredential, error)
	SetProviderCredential(ctx context.Context, cred *rbac.ProviderCredential) error
	DeleteProviderCredential(ctx context.Context, userID int64) error
	BindSession(ctx context.Context, key string, userID int64, ttl time.Duration) error
	MapSessionToUser(ctx context.Context, key string) (int64, bool, error)
	UnbindSession(ctx context.Context, key string) error
	Revoke(ctx context.Context, jti string, remaining time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	SetIssuedToken(ctx context.Context, userID int64, jti string, ttl time.Duration) error
	ClearUser(ctx context.Context, userID int64) error
}

// LoginRequest carries the client's side of a provider login
type LoginRequest struct {
	// Code is the one-time authorization code from the provider redirect
	Code string `json:"code"`

	// DeviceID identifies the logging-in device for session reconciliation
	DeviceID string `json:"device_id"`
}

// LoginResult is the issued credential plus its identity
type LoginResult struct {
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`

	// ClientID is set for service-to-service logins
	ClientID string `json:"client_id,omitempty"`

	Roles     []string  `json:"roles"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`

	// Token is set by the signed-token strategy
	Token string `json:"token,omitempty"`

	// SessionKey is set by the cookie strategy; the transport layer moves
	// it into a cookie and it never appears in the response body
	SessionKey string `json:"-"`
}

// Identity is the resolved caller attached to a validated request
type Identity struct {
	// UserID is set for user credentials
	UserID int64 `json:"user_id,omitempty"`

	// ClientID is set for service credentials
	ClientID string `json:"client_id,omitempty"`

	// Type is the credential kind: user, service or session
	Type string `json:"type"`

	Roles []string `json:"roles"`
}

// AuthStrategy is one way of minting and checking credentials. Login
// authenticates against the provider and issues a credential; Validate
// checks a presented credential and enforces the required roles; Logout
// tears the credential down.
type AuthStrategy interface {
	Login(ctx context.Context, req LoginRequest) (*LoginResult, error)
	Validate(ctx context.Context, credential string, requiredRoles []string) (*Identity, error)
	Logout(ctx context.Context, credential string) error
}
