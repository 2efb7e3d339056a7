package api

import (
	"errors"
	"net/http"

	"github.com/keeperhq/keeper/pkg/httputil"
	"github.com/keeperhq/keeper/pkg/rbac"
)

// getUser handles GET /auth/users/{id}
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, rbac.ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to load user")
		httputil.WriteInternalError(w)
		return
	}

	roles, err := s.store.RolesOf(r.Context(), userID)
	if err != nil {
		s.logger.WithError(err).Error("failed to load user roles")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteOK(w, "ok", map[string]interface{}{
		"user":  user,
		"roles": roles,
	})
}

// setUserRoles handles PUT /auth/users/{id}/roles: replaces the user's role
// set wholesale
func (s *Server) setUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Roles []string `json:"roles"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	err := s.store.SetRoles(r.Context(), userID, req.Roles)
	switch {
	case errors.Is(err, rbac.ErrNotFound):
		httputil.WriteNotFound(w, "user not found")
		return
	case errors.Is(err, rbac.ErrInvalidRole):
		httputil.WriteBadRequest(w, err.Error())
		return
	case err != nil:
		s.logger.WithError(err).Error("failed to set user roles")
		httputil.WriteInternalError(w)
		return
	}

	// Cached role snapshots are now stale
	if err := s.cache.ClearUser(r.Context(), userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("failed to invalidate cached user state")
	}

	httputil.WriteOK(w, "roles updated", map[string]interface{}{
		"user_id": userID,
		"roles":   req.Roles,
	})
}

// setUserActive handles PUT /auth/users/{id}/active. Deactivation tears
// down the user's sessions so existing credentials stop validating at once.
func (s *Server) setUserActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		IsActive bool `json:"is_active"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	err := s.store.SetActive(r.Context(), userID, req.IsActive)
	if errors.Is(err, rbac.ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to update user status")
		httputil.WriteInternalError(w)
		return
	}

	if !req.IsActive {
		if err := s.store.DeleteUserSessions(r.Context(), userID); err != nil {
			s.logger.WithError(err).WithField("user_id", userID).Warn("failed to delete sessions for deactivated user")
		}
	}
	if err := s.cache.ClearUser(r.Context(), userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("failed to invalidate cached user state")
	}

	httputil.WriteOK(w, "status updated", map[string]interface{}{
		"user_id":   userID,
		"is_active": req.IsActive,
	})
}

// deleteUser handles DELETE /auth/users/{id}. Role grants, sessions and
// provider credentials cascade with the user row.
func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := s.store.DeleteUser(r.Context(), userID)
	if errors.Is(err, rbac.ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to delete user")
		httputil.WriteInternalError(w)
		return
	}

	if err := s.cache.ClearUser(r.Context(), userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("failed to invalidate cached user state")
	}

	httputil.WriteOK(w, "user deleted", map[string]interface{}{"user_id": userID})
}

// listRoles handles GET /auth/roles
func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list roles")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteOK(w, "ok", roles)
}
