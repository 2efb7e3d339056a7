// Package api wires the HTTP surface: the auth endpoints, the user admin
// endpoints and the route-level access control gate.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/keeperhq/keeper/pkg/config"
	"github.com/keeperhq/keeper/pkg/middleware"
	"github.com/keeperhq/keeper/pkg/observability"
	"github.com/keeperhq/keeper/pkg/rbac"
	"github.com/keeperhq/keeper/pkg/session"
)

// TokenAuth is the signed-token strategy surface the server uses. Validate
// is the user context; ValidateService is the service context and the only
// path a service token can pass.
type TokenAuth interface {
	session.AuthStrategy
	LoginService(ctx context.Context, clientID, secret string) (*session.LoginResult, error)
	ValidateService(ctx context.Context, credential string, requiredRoles []string) (*session.Identity, error)
}

// UserAdminStore is the identity-store surface behind the admin endpoints
type UserAdminStore interface {
	GetUser(ctx context.Context, userID int64) (*rbac.User, error)
	RolesOf(ctx context.Context, userID int64) ([]string, error)
	SetRoles(ctx context.Context, userID int64, roleNames []string) error
	SetActive(ctx context.Context, userID int64, active bool) error
	DeleteUser(ctx context.Context, userID int64) error
	DeleteUserSessions(ctx context.Context, userID int64) error
	ListRoles(ctx context.Context) ([]rbac.Role, error)
}

// CacheInvalidator drops cached state for a user after an admin mutation
type CacheInvalidator interface {
	ClearUser(ctx context.Context, userID int64) error
}

// AuthorizeURLProvider issues the front-channel authorization URL
type AuthorizeURLProvider interface {
	AuthCodeURL(state string) string
}

// Server is the HTTP API server
type Server struct {
	cfg      *config.Config
	store    UserAdminStore
	cache    CacheInvalidator
	tokens   TokenAuth
	cookies  session.AuthStrategy
	gate     *middleware.Gate
	logger   *observability.Logger
	metrics  *observability.Metrics
	provider AuthorizeURLProvider

	loginLimiter *middleware.RateLimiter
}

// NewServer creates the API server
func NewServer(
	cfg *config.Config,
	store UserAdminStore,
	cache CacheInvalidator,
	tokens TokenAuth,
	cookies session.AuthStrategy,
	gate *middleware.Gate,
	provider AuthorizeURLProvider,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		cache:        cache,
		tokens:       tokens,
		cookies:      cookies,
		gate:         gate,
		logger:       logger,
		metrics:      metrics,
		provider:     provider,
		loginLimiter: middleware.NewRateLimiter(middleware.LoginRateLimitConfig()),
	}
}

// StartBackground launches the server's housekeeping goroutines; they stop
// when ctx is cancelled. Without the sweep the login limiter keeps a bucket
// per client address indefinitely.
func (s *Server) StartBackground(ctx context.Context) {
	s.loginLimiter.StartCleanup(ctx)
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))

	// Credential issuance
	r.HandleFunc("/auth/authorize", s.authorizeURL).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", s.loginLimiter.Handler(s.login)).Methods(http.MethodPost)
	r.HandleFunc("/auth/service/login", s.loginLimiter.Handler(s.serviceLogin)).Methods(http.MethodPost)

	// Credential lifecycle
	r.HandleFunc("/auth/validate", s.validate).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.logout).Methods(http.MethodPost)

	// User administration
	r.HandleFunc("/auth/users/{id}", s.gate.RequireRoles(s.getUser, rbac.RoleAdmin)).Methods(http.MethodGet)
	r.HandleFunc("/auth/users/{id}", s.gate.RequireRoles(s.deleteUser, rbac.RoleAdmin)).Methods(http.MethodDelete)
	r.HandleFunc("/auth/users/{id}/roles", s.gate.RequireRoles(s.setUserRoles, rbac.RoleAdmin)).Methods(http.MethodPut)
	r.HandleFunc("/auth/users/{id}/active", s.gate.RequireRoles(s.setUserActive, rbac.RoleAdmin)).Methods(http.MethodPut)
	r.HandleFunc("/auth/roles", s.gate.RequireRoles(s.listRoles, rbac.RoleAdmin)).Methods(http.MethodGet)

	// Caller self-inspection
	r.HandleFunc("/auth/me", s.gate.RequireAuth(s.whoami)).Methods(http.MethodGet)

	return r
}
