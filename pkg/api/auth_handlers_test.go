package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keeperhq/keeper/pkg/config"
	"github.com/keeperhq/keeper/pkg/middleware"
	"github.com/keeperhq/keeper/pkg/observability"
	"github.com/keeperhq/keeper/pkg/rbac"
	"github.com/keeperhq/keeper/pkg/session"
)

// fakeTokenAuth scripts the signed-token strategy
type fakeTokenAuth struct {
	loginResult        *session.LoginResult
	loginErr           error
	serviceResult      *session.LoginResult
	serviceErr         error
	identity           *session.Identity
	validateErr        error
	serviceIdentity    *session.Identity
	serviceValidateErr error
	logoutErr          error

	lastLogin            session.LoginRequest
	lastValidated        string
	lastRoles            []string
	lastServiceValidated string
	loggedOut            []string
}

func (f *fakeTokenAuth) Login(_ context.Context, req session.LoginRequest) (*session.LoginResult, error) {
	f.lastLogin = req
	return f.loginResult, f.loginErr
}

func (f *fakeTokenAuth) LoginService(_ context.Context, clientID, secret string) (*session.LoginResult, error) {
	return f.serviceResult, f.serviceErr
}

func (f *fakeTokenAuth) Validate(_ context.Context, credential string, roles []string) (*session.Identity, error) {
	f.lastValidated = credential
	f.lastRoles = roles
	return f.identity, f.validateErr
}

func (f *fakeTokenAuth) ValidateService(_ context.Context, credential string, _ []string) (*session.Identity, error) {
	f.lastServiceValidated = credential
	return f.serviceIdentity, f.serviceValidateErr
}

func (f *fakeTokenAuth) Logout(_ context.Context, credential string) error {
	f.loggedOut = append(f.loggedOut, credential)
	return f.logoutErr
}

// fakeCookieAuth scripts the cookie-session strategy
type fakeCookieAuth struct {
	loginResult *session.LoginResult
	loginErr    error
	identity    *session.Identity
	validateErr error
	logoutErr   error

	loggedOut []string
}

func (f *fakeCookieAuth) Login(_ context.Context, _ session.LoginRequest) (*session.LoginResult, error) {
	return f.loginResult, f.loginErr
}

func (f *fakeCookieAuth) Validate(_ context.Context, _ string, _ []string) (*session.Identity, error) {
	return f.identity, f.validateErr
}

func (f *fakeCookieAuth) Logout(_ context.Context, credential string) error {
	f.loggedOut = append(f.loggedOut, credential)
	return f.logoutErr
}

// fakeAdminStore scripts the identity store behind the admin endpoints
type fakeAdminStore struct {
	users map[int64]*rbac.User
	roles map[int64][]string

	setRolesErr     error
	deletedSessions []int64
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		users: make(map[int64]*rbac.User),
		roles: make(map[int64][]string),
	}
}

func (f *fakeAdminStore) GetUser(_ context.Context, userID int64) (*rbac.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, rbac.ErrNotFound)
	}
	return user, nil
}

func (f *fakeAdminStore) RolesOf(_ context.Context, userID int64) ([]string, error) {
	return f.roles[userID], nil
}

func (f *fakeAdminStore) SetRoles(_ context.Context, userID int64, roleNames []string) error {
	if f.setRolesErr != nil {
		return f.setRolesErr
	}
	if _, ok := f.users[userID]; !ok {
		return rbac.ErrNotFound
	}
	f.roles[userID] = roleNames
	return nil
}

func (f *fakeAdminStore) SetActive(_ context.Context, userID int64, active bool) error {
	user, ok := f.users[userID]
	if !ok {
		return rbac.ErrNotFound
	}
	user.IsActive = active
	return nil
}

func (f *fakeAdminStore) DeleteUser(_ context.Context, userID int64) error {
	if _, ok := f.users[userID]; !ok {
		return rbac.ErrNotFound
	}
	delete(f.users, userID)
	return nil
}

func (f *fakeAdminStore) DeleteUserSessions(_ context.Context, userID int64) error {
	f.deletedSessions = append(f.deletedSessions, userID)
	return nil
}

func (f *fakeAdminStore) ListRoles(_ context.Context) ([]rbac.Role, error) {
	return []rbac.Role{
		{ID: 1, Name: rbac.RoleAdmin},
		{ID: 2, Name: rbac.RoleAnonymous},
		{ID: 3, Name: rbac.RoleUser},
	}, nil
}

// fakeInvalidator records cache invalidations
type fakeInvalidator struct {
	cleared []int64
}

func (f *fakeInvalidator) ClearUser(_ context.Context, userID int64) error {
	f.cleared = append(f.cleared, userID)
	return nil
}

type fakeURLProvider struct{}

func (fakeURLProvider) AuthCodeURL(state string) string {
	return "https://provider.example.com/oauth2/authorize?state=" + state
}

type serverHarness struct {
	server  *Server
	tokens  *fakeTokenAuth
	cookies *fakeCookieAuth
	store   *fakeAdminStore
	cache   *fakeInvalidator
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			CookieName:   "keeper_session",
			CookieSecure: true,
		},
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	tokens := &fakeTokenAuth{}
	cookies := &fakeCookieAuth{}
	store := newFakeAdminStore()
	invalidator := &fakeInvalidator{}

	gate := middleware.NewGate(tokens, cookies, cfg.Server.CookieName, logger)
	server := NewServer(cfg, store, invalidator, tokens, cookies, gate, fakeURLProvider{}, logger, nil)

	return &serverHarness{
		server:  server,
		tokens:  tokens,
		cookies: cookies,
		store:   store,
		cache:   invalidator,
	}
}

func (h *serverHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_AuthorizeURL(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/auth/authorize?state=xyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := envelope(t, rec)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "https://provider.example.com/oauth2/authorize?state=xyz", data["url"])
	assert.Equal(t, "xyz", data["state"])
}

func TestServer_Login(t *testing.T) {
	t.Run("token strategy returns the credential in the body", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.loginResult = &session.LoginResult{
			UserID:    42,
			Username:  "rook",
			Roles:     []string{rbac.RoleUser},
			Token:     "signed-token",
			TokenType: "bearer",
			ExpiresAt: time.Now().Add(time.Hour),
		}

		req := httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"code":"auth-code","device_id":"phone","strategy":"token"}`))
		rec := h.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		body := envelope(t, rec)
		assert.Equal(t, float64(200), body["code"])
		data := body["data"].(map[string]interface{})
		assert.Equal(t, "signed-token", data["token"])
		assert.Equal(t, "auth-code", h.tokens.lastLogin.Code)
		assert.Equal(t, "phone", h.tokens.lastLogin.DeviceID)
		assert.Empty(t, rec.Header().Get("Set-Cookie"))
	})

	t.Run("cookie strategy sets the session cookie only", func(t *testing.T) {
		h := newServerHarness(t)
		h.cookies.loginResult = &session.LoginResult{
			UserID:     42,
			TokenType:  "cookie",
			ExpiresAt:  time.Now().Add(time.Hour),
			SessionKey: "opaque-key",
		}

		req := httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"code":"auth-code","strategy":"cookie"}`))
		rec := h.do(req)

		require.Equal(t, http.StatusOK, rec.Code)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "keeper_session", cookies[0].Name)
		assert.Equal(t, "opaque-key", cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
		assert.True(t, cookies[0].Secure)

		// The opaque key never appears in the response body
		assert.NotContains(t, rec.Body.String(), "opaque-key")
	})

	t.Run("missing code is 400", func(t *testing.T) {
		h := newServerHarness(t)
		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown strategy is 400", func(t *testing.T) {
		h := newServerHarness(t)
		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"code":"auth-code","strategy":"saml"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejected code is 401", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.loginErr = session.ErrInvalidCode

		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"code":"used-code"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("provider outage is 502", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.loginErr = session.ErrUpstreamUnavailable

		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"code":"any-code"}`)))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("inactive account is 403", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.loginErr = session.ErrAccountInactive

		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"code":"any-code"}`)))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestServer_ServiceLogin(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.serviceResult = &session.LoginResult{
			ClientID:  "ops",
			Roles:     []string{rbac.RoleAdmin},
			Token:     "service-token",
			TokenType: "bearer",
		}

		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/service/login",
			strings.NewReader(`{"client_id":"ops","client_secret":"secret"}`)))

		require.Equal(t, http.StatusOK, rec.Code)
		data := envelope(t, rec)["data"].(map[string]interface{})
		assert.Equal(t, "service-token", data["token"])
	})

	t.Run("bad credentials are 401", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.serviceErr = session.ErrInvalidClient

		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/service/login",
			strings.NewReader(`{"client_id":"ops","client_secret":"wrong"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing fields are 400", func(t *testing.T) {
		h := newServerHarness(t)
		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/service/login",
			strings.NewReader(`{"client_id":"ops"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Validate(t *testing.T) {
	t.Run("valid bearer token", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.identity = &session.Identity{UserID: 42, Type: session.TokenTypeUser, Roles: []string{rbac.RoleUser}}

		req := httptest.NewRequest(http.MethodPost, "/auth/validate",
			strings.NewReader(`{"roles":["user"]}`))
		req.Header.Set("Authorization", "Bearer signed-token")
		rec := h.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		data := envelope(t, rec)["data"].(map[string]interface{})
		assert.Equal(t, float64(42), data["user_id"])
		assert.Equal(t, "signed-token", h.tokens.lastValidated)
	})

	t.Run("denied role is 403 with held roles", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.identity = &session.Identity{UserID: 42, Type: session.TokenTypeUser, Roles: []string{rbac.RoleUser}}
		h.tokens.validateErr = session.ErrPermissionDenied

		req := httptest.NewRequest(http.MethodPost, "/auth/validate",
			strings.NewReader(`{"roles":["admin"]}`))
		req.Header.Set("Authorization", "Bearer signed-token")
		rec := h.do(req)

		require.Equal(t, http.StatusForbidden, rec.Code)
		data := envelope(t, rec)["data"].(map[string]interface{})
		assert.Equal(t, []interface{}{"user"}, data["roles"])
	})

	t.Run("missing role list defaults to user", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.identity = &session.Identity{UserID: 42, Type: session.TokenTypeUser, Roles: []string{rbac.RoleUser}}

		req := httptest.NewRequest(http.MethodPost, "/auth/validate", nil)
		req.Header.Set("Authorization", "Bearer signed-token")
		rec := h.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{rbac.RoleUser}, h.tokens.lastRoles)
	})

	t.Run("service context routes to service validation", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.serviceIdentity = &session.Identity{ClientID: "ops", Type: session.TokenTypeService, Roles: []string{rbac.RoleAdmin}}

		req := httptest.NewRequest(http.MethodPost, "/auth/validate",
			strings.NewReader(`{"type":"service","roles":["admin"]}`))
		req.Header.Set("Authorization", "Bearer service-token")
		rec := h.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "service-token", h.tokens.lastServiceValidated)
		assert.Empty(t, h.tokens.lastValidated)
		data := envelope(t, rec)["data"].(map[string]interface{})
		assert.Equal(t, "ops", data["client_id"])
	})

	t.Run("wrong token type for the context is 401", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.validateErr = session.ErrWrongTokenType

		req := httptest.NewRequest(http.MethodPost, "/auth/validate", nil)
		req.Header.Set("Authorization", "Bearer service-token")
		rec := h.do(req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown credential type is 400", func(t *testing.T) {
		h := newServerHarness(t)

		req := httptest.NewRequest(http.MethodPost, "/auth/validate",
			strings.NewReader(`{"type":"saml"}`))
		req.Header.Set("Authorization", "Bearer some-token")
		rec := h.do(req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no credential is 401", func(t *testing.T) {
		h := newServerHarness(t)
		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/validate", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestServer_Logout(t *testing.T) {
	t.Run("bearer token", func(t *testing.T) {
		h := newServerHarness(t)

		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer signed-token")
		rec := h.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"signed-token"}, h.tokens.loggedOut)
	})

	t.Run("cookie session clears the cookie", func(t *testing.T) {
		h := newServerHarness(t)

		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: "keeper_session", Value: "opaque-key"})
		rec := h.do(req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"opaque-key"}, h.cookies.loggedOut)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Empty(t, cookies[0].Value)
		assert.True(t, cookies[0].Expires.Before(time.Now()))
	})

	t.Run("already expired token is 400", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.logoutErr = session.ErrTokenAlreadyExpired

		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer expired-token")
		rec := h.do(req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no credential is 401", func(t *testing.T) {
		h := newServerHarness(t)
		rec := h.do(httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func asAdmin(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer admin-token")
	return req
}

func newAdminHarness(t *testing.T) *serverHarness {
	t.Helper()
	h := newServerHarness(t)
	h.tokens.identity = &session.Identity{UserID: 1, Type: session.TokenTypeUser, Roles: []string{rbac.RoleAdmin, rbac.RoleUser}}
	return h
}

func TestServer_UserAdmin(t *testing.T) {
	t.Run("non-admin caller is rejected by the gate", func(t *testing.T) {
		h := newServerHarness(t)
		h.tokens.identity = &session.Identity{UserID: 42, Roles: []string{rbac.RoleUser}}
		h.tokens.validateErr = session.ErrPermissionDenied

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodGet, "/auth/users/42", nil)))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("get user returns profile and roles", func(t *testing.T) {
		h := newAdminHarness(t)
		h.store.users[42] = &rbac.User{ID: 42, Username: "rook", IsActive: true}
		h.store.roles[42] = []string{rbac.RoleUser}

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodGet, "/auth/users/42", nil)))
		require.Equal(t, http.StatusOK, rec.Code)

		data := envelope(t, rec)["data"].(map[string]interface{})
		user := data["user"].(map[string]interface{})
		assert.Equal(t, "rook", user["username"])
		assert.Equal(t, []interface{}{"user"}, data["roles"])
	})

	t.Run("get unknown user is 404", func(t *testing.T) {
		h := newAdminHarness(t)
		rec := h.do(asAdmin(httptest.NewRequest(http.MethodGet, "/auth/users/7", nil)))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad user id is 400", func(t *testing.T) {
		h := newAdminHarness(t)
		rec := h.do(asAdmin(httptest.NewRequest(http.MethodGet, "/auth/users/abc", nil)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("set roles replaces and invalidates cache", func(t *testing.T) {
		h := newAdminHarness(t)
		h.store.users[42] = &rbac.User{ID: 42, Username: "rook"}

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodPut, "/auth/users/42/roles",
			strings.NewReader(`{"roles":["admin","user"]}`))))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"admin", "user"}, h.store.roles[42])
		assert.Equal(t, []int64{42}, h.cache.cleared)
	})

	t.Run("unknown role name is 400", func(t *testing.T) {
		h := newAdminHarness(t)
		h.store.setRolesErr = rbac.ErrInvalidRole

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodPut, "/auth/users/42/roles",
			strings.NewReader(`{"roles":["superuser"]}`))))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("deactivation deletes sessions and invalidates cache", func(t *testing.T) {
		h := newAdminHarness(t)
		h.store.users[42] = &rbac.User{ID: 42, Username: "rook", IsActive: true}

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodPut, "/auth/users/42/active",
			strings.NewReader(`{"is_active":false}`))))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, h.store.users[42].IsActive)
		assert.Equal(t, []int64{42}, h.store.deletedSessions)
		assert.Equal(t, []int64{42}, h.cache.cleared)
	})

	t.Run("reactivation keeps sessions alone", func(t *testing.T) {
		h := newAdminHarness(t)
		h.store.users[42] = &rbac.User{ID: 42, Username: "rook", IsActive: false}

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodPut, "/auth/users/42/active",
			strings.NewReader(`{"is_active":true}`))))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, h.store.users[42].IsActive)
		assert.Empty(t, h.store.deletedSessions)
	})

	t.Run("delete user", func(t *testing.T) {
		h := newAdminHarness(t)
		h.store.users[42] = &rbac.User{ID: 42, Username: "rook"}

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodDelete, "/auth/users/42", nil)))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, h.store.users, int64(42))
		assert.Equal(t, []int64{42}, h.cache.cleared)
	})

	t.Run("list roles", func(t *testing.T) {
		h := newAdminHarness(t)

		rec := h.do(asAdmin(httptest.NewRequest(http.MethodGet, "/auth/roles", nil)))
		require.Equal(t, http.StatusOK, rec.Code)

		data := envelope(t, rec)["data"].([]interface{})
		assert.Len(t, data, 3)
	})
}

func TestServer_Whoami(t *testing.T) {
	h := newServerHarness(t)
	h.tokens.identity = &session.Identity{UserID: 42, Type: session.TokenTypeUser, Roles: []string{rbac.RoleUser}}

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer signed-token")
	rec := h.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := envelope(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, float64(42), data["user_id"])
}
