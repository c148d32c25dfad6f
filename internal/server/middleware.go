package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/session"
)

type contextKey string

const sessionContextKey contextKey = "session"

// sessionFromContext returns the validated session attached by
// requireAuth, or nil outside an authenticated route.
func sessionFromContext(ctx context.Context) *session.Record {
	record, _ := ctx.Value(sessionContextKey).(*session.Record)
	return record
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		duration := time.Since(start)
		s.metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": duration,
			"remote":   r.RemoteAddr,
		}).Info("request completed")
	})
}

// requireAuth resolves the session cookie to a validated session record
// and attaches it to the request context. Missing, revoked and expired
// sessions are indistinguishable to the client.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.tokenFromRequest(r)
		record, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, record)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates admin routes. Runs after requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record := sessionFromContext(r.Context())
		if record == nil || !isAdminRole(record.Role) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenFromRequest(r *http.Request) string {
	cookie, err := s.cookieStore.Get(r, s.cookieName)
	if err != nil {
		return ""
	}
	token, _ := cookie.Values["token"].(string)
	return token
}
