package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/keeperhq/keeper/pkg/httputil"
	"github.com/keeperhq/keeper/pkg/middleware"
	"github.com/keeperhq/keeper/pkg/rbac"
	"github.com/keeperhq/keeper/pkg/session"
)

// Strategy names accepted by the login endpoint
const (
	strategyToken  = "token"
	strategyCookie = "cookie"
)

// authorizeURL handles GET /auth/authorize. It hands the client the
// provider authorization URL to redirect to.
func (s *Server) authorizeURL(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = uuid.NewString()
	}
	httputil.WriteOK(w, "ok", map[string]string{
		"url":   s.provider.AuthCodeURL(state),
		"state": state,
	})
}

// login handles POST /auth/login: authorization-code exchange plus
// credential issuance under the requested strategy
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		DeviceID string `json:"device_id"`
		Strategy string `json:"strategy"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = "unknown"
	}
	if req.Strategy == "" {
		req.Strategy = strategyToken
	}

	loginReq := session.LoginRequest{Code: req.Code, DeviceID: req.DeviceID}

	var (
		result *session.LoginResult
		err    error
	)
	switch req.Strategy {
	case strategyToken:
		result, err = s.tokens.Login(r.Context(), loginReq)
	case strategyCookie:
		result, err = s.cookies.Login(r.Context(), loginReq)
	default:
		httputil.WriteBadRequest(w, "unknown strategy: "+req.Strategy)
		return
	}
	if err != nil {
		s.writeAuthError(w, r, nil, err)
		return
	}

	if result.SessionKey != "" {
		http.SetCookie(w, s.sessionCookie(result.SessionKey, result.ExpiresAt))
	}

	httputil.WriteOK(w, "login successful", result)
}

// serviceLogin handles POST /auth/service/login for machine clients
func (s *Server) serviceLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ClientID, "client_id") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ClientSecret, "client_secret") {
		return
	}

	result, err := s.tokens.LoginService(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		s.writeAuthError(w, r, nil, err)
		return
	}

	httputil.WriteOK(w, "login successful", result)
}

// validate handles POST /auth/validate: checks the presented credential
// under the requested type context, optionally against a required role list.
// The context defaults to user; service tokens only pass when the caller
// asks for the service context explicitly.
func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Roles []string `json:"roles"`
		Type  string   `json:"type"`
	}
	// Body is optional
	if r.Body != nil && r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	var (
		identity *session.Identity
		err      error
	)
	switch req.Type {
	case "", session.TokenTypeUser:
		if len(req.Roles) == 0 {
			req.Roles = []string{rbac.RoleUser}
		}
		identity, err = s.resolveCredential(r, req.Roles)
	case session.TokenTypeService:
		token := httputil.BearerToken(r)
		if token == "" {
			httputil.WriteUnauthorized(w, "no credential presented")
			return
		}
		identity, err = s.tokens.ValidateService(r.Context(), token, req.Roles)
	default:
		httputil.WriteBadRequest(w, "unknown credential type: "+req.Type)
		return
	}
	if err != nil {
		s.writeAuthError(w, r, identity, err)
		return
	}

	httputil.WriteOK(w, "valid", identity)
}

// logout handles POST /auth/logout. The cookie is cleared even when the
// server-side teardown finds nothing; logout is idempotent.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var err error
	if token := httputil.BearerToken(r); token != "" {
		err = s.tokens.Logout(r.Context(), token)
	} else if cookie, cookieErr := r.Cookie(s.cfg.Server.CookieName); cookieErr == nil {
		err = s.cookies.Logout(r.Context(), cookie.Value)
		http.SetCookie(w, s.sessionCookie("", time.Unix(0, 0)))
	} else {
		httputil.WriteUnauthorized(w, "no credential presented")
		return
	}

	if err != nil {
		if errors.Is(err, session.ErrTokenAlreadyExpired) {
			httputil.WriteBadRequest(w, "token already expired")
			return
		}
		s.writeAuthError(w, r, nil, err)
		return
	}

	httputil.WriteOK(w, "logged out", nil)
}

// whoami handles GET /auth/me
func (s *Server) whoami(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	httputil.WriteOK(w, "ok", identity)
}

// resolveCredential validates whichever credential shape the request
// carries, bearer token first
func (s *Server) resolveCredential(r *http.Request, roles []string) (*session.Identity, error) {
	if token := httputil.BearerToken(r); token != "" {
		return s.tokens.Validate(r.Context(), token, roles)
	}
	if cookie, err := r.Cookie(s.cfg.Server.CookieName); err == nil && cookie.Value != "" {
		return s.cookies.Validate(r.Context(), cookie.Value, roles)
	}
	return nil, session.ErrNoSession
}

// sessionCookie builds the session cookie. An empty value with a past
// expiry clears it.
func (s *Server) sessionCookie(value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.Server.CookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.cfg.Server.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// writeAuthError maps strategy errors to envelope responses
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, identity *session.Identity, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidCode):
		httputil.WriteUnauthorized(w, "authorization code rejected")
	case errors.Is(err, session.ErrInvalidClient):
		httputil.WriteUnauthorized(w, "invalid client credentials")
	case errors.Is(err, session.ErrUpstreamUnavailable):
		httputil.WriteBadGateway(w, "identity provider unavailable")
	case errors.Is(err, session.ErrAccountInactive):
		httputil.WriteForbidden(w, "account is inactive", nil)
	case errors.Is(err, session.ErrPermissionDenied):
		var data interface{}
		if identity != nil {
			data = map[string]interface{}{"roles": identity.Roles}
		}
		httputil.WriteForbidden(w, "permission denied", data)
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrTokenInvalid),
		errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrTokenRevoked),
		errors.Is(err, session.ErrWrongTokenType):
		httputil.WriteUnauthorized(w, "authentication required")
	case errors.Is(err, rbac.ErrRoleCatalogMissing):
		s.logger.WithError(err).Error("role catalog is incomplete")
		httputil.WriteInternalError(w)
	default:
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("auth operation failed")
		httputil.WriteInternalError(w)
	}
}
