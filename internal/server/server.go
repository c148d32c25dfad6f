// Package server exposes the cache, user store and session manager as a
// JSON API for the dashboard frontend.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/variantgroup/variant-analytics/internal/config"
	"github.com/variantgroup/variant-analytics/internal/datacache"
	"github.com/variantgroup/variant-analytics/internal/metrics"
	"github.com/variantgroup/variant-analytics/internal/session"
	"github.com/variantgroup/variant-analytics/internal/userstore"
)

// Server routes API requests to the data and auth layers.
type Server struct {
	router      *mux.Router
	cache       *datacache.Cache
	users       *userstore.Store
	sessions    *session.Manager
	cookieStore *sessions.CookieStore
	cookieName  string
	datasets    map[string]string
	defaultTTL  int
	rememberTTL int
	metrics     *metrics.Metrics
	logger      *logrus.Entry
}

// New wires the API surface. cookieSecret signs the session cookie that
// carries the opaque token.
func New(cfg *config.Config, cache *datacache.Cache, users *userstore.Store, sm *session.Manager, cookieSecret []byte, m *metrics.Metrics) *Server {
	cookieStore := sessions.NewCookieStore(cookieSecret)
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Server.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(cfg.Session.DefaultTTL.Seconds()),
	}

	s := &Server{
		router:      mux.NewRouter(),
		cache:       cache,
		users:       users,
		sessions:    sm,
		cookieStore: cookieStore,
		cookieName:  cfg.Session.CookieName,
		datasets:    cfg.Cache.Datasets,
		defaultTTL:  int(cfg.Session.DefaultTTL.Seconds()),
		rememberTTL: int(cfg.Session.RememberTTL.Seconds()),
		metrics:     m,
		logger:      logrus.WithField("component", "server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestLogger)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	authed.HandleFunc("/datasets/{name}", s.handleDataset).Methods(http.MethodGet)

	admin := api.NewRoute().Subrouter()
	admin.Use(s.requireAuth, s.requireAdmin)
	admin.HandleFunc("/datasets/{name}/refresh", s.handleDatasetRefresh).Methods(http.MethodPost)
	admin.HandleFunc("/cache/refresh", s.handleCacheRefresh).Methods(http.MethodPost)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{username}", s.handleUpsertUser).Methods(http.MethodPut)
	admin.HandleFunc("/users/{username}", s.handleDeleteUser).Methods(http.MethodDelete)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
