package rbac

import (
	"errors"
	"time"
)

// Built-in role names. All three must exist in the catalog; deployments
// missing them are misconfigured.
const (
	RoleAdmin     = "admin"
	RoleUser      = "user"
	RoleAnonymous = "anonymous"
)

var (
	// ErrNotFound means the referenced user or role does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidRole means a role name is not in the catalog
	ErrInvalidRole = errors.New("invalid role")

	// ErrRoleCatalogMissing means a required built-in role is absent from
	// the catalog. This is a deployment defect, not a user error.
	ErrRoleCatalogMissing = errors.New("role catalog missing required role")
)

// User is the local mirror of a provider identity
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Locale      string    `json:"locale,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a flat named permission level
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ProviderCredential is the stored provider token pair for a user.
// At most one live credential exists per user.
type ProviderCredential struct {
	UserID       int64     `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Scope        string    `json:"scope,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the provider access token has lapsed
func (c *ProviderCredential) Expired() bool {
	return !c.ExpiresAt.After(time.Now())
}

// UserSession is one device login record. Reconciliation keeps only the
// newest row per (user, device).
type UserSession struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	DeviceID   string    `json:"device_id"`
	SessionKey string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
