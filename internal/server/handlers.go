package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/variantgroup/variant-analytics/internal/datacache"
	"github.com/variantgroup/variant-analytics/internal/userstore"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func isAdminRole(role string) bool {
	return role == userstore.RoleAdmin || role == userstore.RoleSuperAdmin
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type loginResponse struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, userstore.ErrAuthFailed) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.WithError(err).Error("authentication backend failure")
		writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}

	record, err := s.sessions.Create(r.Context(), *user, req.Remember)
	if err != nil {
		s.logger.WithError(err).Error("failed to create session")
		writeError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	}

	cookie, _ := s.cookieStore.New(r, s.cookieName)
	cookie.Values["token"] = record.Token
	cookie.Options.MaxAge = s.defaultTTL
	if req.Remember {
		cookie.Options.MaxAge = s.rememberTTL
	}
	if err := cookie.Save(r, w); err != nil {
		s.logger.WithError(err).Error("failed to write session cookie")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Username:  record.Username,
		Role:      record.Role,
		Name:      record.Name,
		ExpiresAt: record.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.tokenFromRequest(r)
	if token != "" {
		if err := s.sessions.Revoke(r.Context(), token); err != nil {
			s.logger.WithError(err).Warn("failed to revoke session")
		}
	}

	cookie, _ := s.cookieStore.New(r, s.cookieName)
	cookie.Options.MaxAge = -1
	_ = cookie.Save(r, w)

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	record := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, loginResponse{
		Username:  record.Username,
		Role:      record.Role,
		Name:      record.Name,
		ExpiresAt: record.ExpiresAt,
	})
}

// datasetRequest builds the cache request for a named dataset from the
// URL: every query parameter except max_age becomes a cache key parameter.
func (s *Server) datasetRequest(r *http.Request) (datacache.Request, bool) {
	name := mux.Vars(r)["name"]
	sql, ok := s.datasets[name]
	if !ok {
		return datacache.Request{}, false
	}

	req := datacache.Request{Dataset: name, SQL: sql}
	query := r.URL.Query()
	for key, values := range query {
		if key == "max_age" || len(values) == 0 {
			continue
		}
		if req.Params == nil {
			req.Params = make(map[string]string)
		}
		req.Params[key] = values[0]
	}
	if raw := query.Get("max_age"); raw != "" {
		if maxAge, err := time.ParseDuration(raw); err == nil && maxAge > 0 {
			req.MaxAge = maxAge
		}
	}
	return req, true
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	req, ok := s.datasetRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown dataset")
		return
	}

	record := sessionFromContext(r.Context())
	if !isAdminRole(record.Role) {
		user := userstore.UserRecord{Role: record.Role}
		// Dashboard grants live on the user record, not the session.
		if u, err := s.users.List(r.Context()); err == nil {
			for _, candidate := range u {
				if candidate.Username == record.Username {
					user = candidate
					break
				}
			}
		}
		if !user.CanAccess(req.Dataset) {
			writeError(w, http.StatusForbidden, "dataset access denied")
			return
		}
	}

	table, err := s.cache.Get(r.Context(), req)
	if err != nil {
		if errors.Is(err, datacache.ErrDataUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "data unavailable")
			return
		}
		s.logger.WithError(err).WithField("dataset", req.Dataset).Error("dataset fetch failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, table)
}

func (s *Server) handleDatasetRefresh(w http.ResponseWriter, r *http.Request) {
	req, ok := s.datasetRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown dataset")
		return
	}
	s.cache.Invalidate(req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	s.cache.InvalidateAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	records, err := s.users.List(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list users")
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	// Never return credentials, not even hashed ones.
	for i := range records {
		records[i].Password = ""
	}
	writeJSON(w, http.StatusOK, records)
}

type upsertUserRequest struct {
	Password   string   `json:"password"`
	Role       string   `json:"role"`
	Name       string   `json:"name"`
	Dashboards []string `json:"dashboards"`
}

// canManage encodes the role hierarchy: the super admin manages everyone,
// admins manage readonly users only, and nobody creates super admins
// through the API.
func canManage(actorRole, targetRole string) bool {
	switch actorRole {
	case userstore.RoleSuperAdmin:
		return targetRole != userstore.RoleSuperAdmin
	case userstore.RoleAdmin:
		return targetRole == userstore.RoleReadOnly
	default:
		return false
	}
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]

	var req upsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Role {
	case userstore.RoleAdmin, userstore.RoleReadOnly:
	default:
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}

	actor := sessionFromContext(r.Context())
	if !canManage(actor.Role, req.Role) {
		writeError(w, http.StatusForbidden, "insufficient role")
		return
	}

	// The hierarchy gates the target's current role too, or an admin
	// could demote the super admin by rewriting its record.
	existing, err := s.users.List(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list users")
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	for _, target := range existing {
		if target.Username == username && !canManage(actor.Role, target.Role) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
	}

	record := userstore.UserRecord{
		Username:   username,
		Password:   req.Password,
		Role:       req.Role,
		Name:       req.Name,
		Dashboards: req.Dashboards,
	}
	if record.Role != userstore.RoleReadOnly {
		record.Dashboards = []string{"all"}
	}

	if err := s.users.Upsert(r.Context(), record); err != nil {
		s.logger.WithError(err).WithField("username", username).Error("failed to upsert user")
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	actor := sessionFromContext(r.Context())

	targets, err := s.users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
		return
	}
	for _, target := range targets {
		if target.Username == username && !canManage(actor.Role, target.Role) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
	}

	err = s.users.Delete(r.Context(), username)
	switch {
	case errors.Is(err, userstore.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown user")
	case errors.Is(err, userstore.ErrProtectedUser):
		writeError(w, http.StatusForbidden, "cannot delete super admin")
	case err != nil:
		s.logger.WithError(err).WithField("username", username).Error("failed to delete user")
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
