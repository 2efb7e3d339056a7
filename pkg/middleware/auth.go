// Package middleware provides the HTTP access-control gate and request
// plumbing middleware.
package middleware

import (
	"errors"
	"net/http"

	"github.com/keeperhq/keeper/pkg/contextkeys"
	"github.com/keeperhq/keeper/pkg/httputil"
	"github.com/keeperhq/keeper/pkg/observability"
	"github.com/keeperhq/keeper/pkg/session"
)

// Gate enforces authentication and role requirements on routes. It extracts
// the credential from the Authorization header or the session cookie,
// validates it through the configured strategies and maps failures to the
// envelope statuses: missing/invalid credential is 401, authenticated but
// insufficient is 403.
type Gate struct {
	tokens   session.AuthStrategy
	sessions session.AuthStrategy

	cookieName string
	logger     *observability.Logger
}

// NewGate creates the access-control gate. Either strategy may be nil when
// that credential shape is not served.
func NewGate(tokens, sessions session.AuthStrategy, cookieName string, logger *observability.Logger) *Gate {
	return &Gate{
		tokens:     tokens,
		sessions:   sessions,
		cookieName: cookieName,
		logger:     logger,
	}
}

// RequireAuth wraps a handler so only authenticated callers pass
func (g *Gate) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return g.RequireRoles(next)
}

// RequireRoles wraps a handler so only callers holding every listed role
// pass. An empty list requires authentication only.
func (g *Gate) RequireRoles(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.resolve(r, roles)
		if err != nil {
			g.write(w, r, identity, err)
			return
		}
		next(w, r.WithContext(contextkeys.WithAuth(r.Context(), identity)))
	}
}

// resolve picks the credential off the request and validates it. A bearer
// token takes precedence over a session cookie when both are present.
func (g *Gate) resolve(r *http.Request, roles []string) (*session.Identity, error) {
	if token := httputil.BearerToken(r); token != "" && g.tokens != nil {
		return g.tokens.Validate(r.Context(), token, roles)
	}

	if g.sessions != nil {
		if cookie, err := r.Cookie(g.cookieName); err == nil && cookie.Value != "" {
			return g.sessions.Validate(r.Context(), cookie.Value, roles)
		}
	}

	return nil, session.ErrNoSession
}

// write maps a validation failure to its envelope response
func (g *Gate) write(w http.ResponseWriter, r *http.Request, identity *session.Identity, err error) {
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		var data interface{}
		if identity != nil {
			data = map[string]interface{}{"roles": identity.Roles}
		}
		httputil.WriteForbidden(w, "permission denied", data)
	case errors.Is(err, session.ErrAccountInactive):
		httputil.WriteForbidden(w, "account is inactive", nil)
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrTokenInvalid),
		errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrTokenRevoked),
		errors.Is(err, session.ErrWrongTokenType):
		httputil.WriteUnauthorized(w, "authentication required")
	case errors.Is(err, session.ErrUpstreamUnavailable):
		httputil.WriteBadGateway(w, "identity provider unavailable")
	default:
		g.logger.WithError(err).WithField("path", r.URL.Path).Error("credential validation failed")
		httputil.WriteInternalError(w)
	}
}

// IdentityFrom returns the resolved identity attached by the gate
func IdentityFrom(r *http.Request) (*session.Identity, bool) {
	identity, ok := r.Context().Value(contextkeys.AuthKey).(*session.Identity)
	return identity, ok
}
