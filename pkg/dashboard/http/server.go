// Package http implements the HTTP API that renders dashboard sessions and
// cluster status.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"
	"github.com/umiacs/nexus-status/pkg/auth"
	"github.com/umiacs/nexus-status/pkg/cluster"
	"github.com/umiacs/nexus-status/pkg/store"
)

// CallbackPath is the path of the OAuth redirect URI.
const CallbackPath = apiPrefix + "/callback"

const (
	apiPrefix        = "/api/v1"
	maxRequestSize   = 4 << 10
	mockDataWarning  = "cluster data is unavailable, showing mock data"
	defaultRateLimit = 10
)

// ClusterSource returns cluster snapshots.
type ClusterSource interface {
	Latest() (cluster.Snapshot, bool)
	Refresh(ctx context.Context) cluster.Snapshot
}

// WebConfig is the web server config.
type WebConfig struct {
	Addresses         []string
	WebSystemdSocket  bool
	WebConfigFile     string
	EnableDebugServer bool
	// RequestsLimit is the number of token logins allowed per IP per minute.
	RequestsLimit int
	// RootPath is where browsers land after an OAuth login.
	RootPath      string
	SecureCookies bool
	// SessionTTL is the idle time after which a client session machine is closed.
	SessionTTL time.Duration
}

// Config makes a server config.
type Config struct {
	Logger   *slog.Logger
	Web      WebConfig
	Auth     auth.Config
	Store    store.Store
	Cluster  ClusterSource
	Registry *prometheus.Registry
	// AuthOptions are passed to every session machine.
	AuthOptions []auth.Option
}

// Server implements the dashboard HTTP server.
type Server struct {
	logger        *slog.Logger
	server        *http.Server
	webConfig     *web.FlagConfig
	cluster       ClusterSource
	sessions      *sessions
	metrics       *metrics
	rootPath      string
	secureCookies bool
	cookieMaxAge  time.Duration
}

// New returns a new Server.
func New(c *Config) (*Server, error) {
	if c.Store == nil || c.Cluster == nil {
		return nil, errors.New("dashboard server needs a store and a cluster source")
	}

	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}

	if c.Web.RequestsLimit <= 0 {
		c.Web.RequestsLimit = defaultRateLimit
	}

	if c.Web.RootPath == "" {
		c.Web.RootPath = "/"
	}

	if c.Web.SessionTTL <= 0 {
		c.Web.SessionTTL = time.Hour
	}

	router := mux.NewRouter()
	server := &Server{
		logger: c.Logger,
		server: &http.Server{
			Handler:           router,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			ReadHeaderTimeout: 2 * time.Second, // slowloris attack: https://app.deepsource.com/directory/analyzers/go/issues/GO-S2112
		},
		webConfig: &web.FlagConfig{
			WebListenAddresses: &c.Web.Addresses,
			WebSystemdSocket:   &c.Web.WebSystemdSocket,
			WebConfigFile:      &c.Web.WebConfigFile,
		},
		cluster:       c.Cluster,
		rootPath:      c.Web.RootPath,
		secureCookies: c.Web.SecureCookies,
		cookieMaxAge:  time.Duration(c.Auth.SessionDuration),
	}

	if len(c.Web.Addresses) > 0 {
		server.server.Addr = c.Web.Addresses[0]
	}

	// sessions is set right after the metrics
	server.metrics = newMetrics(c.Registry, func() float64 {
		if server.sessions == nil {
			return 0
		}

		return float64(server.sessions.len())
	})

	opts := append([]auth.Option{auth.WithObserver(server.metrics)}, c.AuthOptions...)
	server.sessions = newSessions(c.Auth, c.Store, c.Web.SessionTTL, c.Logger, opts...)

	// Cluster metrics follow refreshes when the source supports it
	if r, ok := c.Cluster.(interface{ OnUpdate(fn func(cluster.Snapshot)) }); ok {
		r.OnUpdate(server.metrics.clusterUpdated)
	}

	if c.Web.EnableDebugServer {
		// pprof debug end points. Expose them only on localhost
		router.PathPrefix("/debug/").Handler(http.DefaultServeMux).Methods(http.MethodGet).Host("localhost")
	}

	router.Path("/health").HandlerFunc(server.health()).Methods(http.MethodGet)
	router.Path("/metrics").Handler(promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.Use(server.clientMiddleware)

	api.Path("/session").HandlerFunc(server.session).Methods(http.MethodGet)
	api.Path("/session/token").
		Handler(httprate.LimitByIP(c.Web.RequestsLimit, time.Minute)(http.HandlerFunc(server.tokenLogin))).
		Methods(http.MethodPost)
	api.Path("/session/extend").HandlerFunc(server.extend).Methods(http.MethodPost)
	api.Path("/login").HandlerFunc(server.login).Methods(http.MethodGet)
	api.Path("/callback").HandlerFunc(server.callback).Methods(http.MethodGet)
	api.Path("/logout").HandlerFunc(server.logout).Methods(http.MethodPost)
	api.Path("/retry").HandlerFunc(server.retry).Methods(http.MethodPost)
	api.Path("/status").HandlerFunc(server.status).Methods(http.MethodGet)

	return server, nil
}

// Start launches the dashboard HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting dashboard server", "addresses", *s.webConfig.WebListenAddresses)

	if err := web.ListenAndServe(s.server, s.webConfig, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Failed to Listen and Serve HTTP server", "err", err)

		return err
	}

	return nil
}

// Shutdown stops the HTTP server and every session machine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping dashboard server")

	// First shutdown HTTP server to avoid accepting any incoming
	// connections
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to stop dashboard HTTP server", "err", err)

		return err
	}

	s.sessions.close()

	return nil
}

// health reports the health status of server.
func (s *Server) health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// machine returns the session machine of the requesting client. On error the
// response has already been written.
func (s *Server) machine(w http.ResponseWriter, r *http.Request) *auth.Machine {
	client := clientID(r)
	if client == "" {
		errorResponse[any](w, &apiError{errorBadData, errNoClient}, s.logger, nil)

		return nil
	}

	m, err := s.sessions.get(r.Context(), client)
	if err != nil {
		s.logger.Error("Failed to create session", "client", shortID(client), "err", err)
		errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)

		return nil
	}

	return m
}

// GET /api/v1/session
// Current view of the session.
func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	// Syncs the state with the store
	m.IsAuthenticated()

	view := m.View()
	writeResponse(w, &view, nil, s.logger)
}

// POST /api/v1/session/token
// Token login.
func (s *Server) tokenLogin(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	if m.Mode() != auth.ModeToken {
		errorResponse[any](w, &apiError{errorNotFound, errors.New("token login is not enabled")}, s.logger, nil)

		return
	}

	var req struct {
		Token string `json:"token"`
	}

	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&req); err != nil {
		errorResponse[any](w, &apiError{errorBadData, fmt.Errorf("%w: %w", errInvalidRequest, err)}, s.logger, nil)

		return
	}

	if !m.Authenticate(req.Token) {
		view := m.View()
		errorResponse(w, &apiError{errorUnauthorized, errInvalidToken}, s.logger, &view)

		return
	}

	view := m.View()
	writeResponse(w, &view, nil, s.logger)
}

// POST /api/v1/session/extend
// Extends a token session.
func (s *Server) extend(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	if !m.ExtendSession() {
		view := m.View()
		errorResponse(w, &apiError{errorUnauthorized, errNotLoggedIn}, s.logger, &view)

		return
	}

	view := m.View()
	writeResponse(w, &view, nil, s.logger)
}

// GET /api/v1/login
// Redirects to the identity provider.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	loginURL, err := m.LoginURL()
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrOAuthDisabled):
			errorResponse[any](w, &apiError{errorNotFound, err}, s.logger, nil)
		case errors.Is(err, auth.ErrInvalidTransition):
			// Already logged in or an error must be acknowledged first
			http.Redirect(w, r, s.rootPath, http.StatusFound)
		default:
			s.logger.Error("Failed to start OAuth login", "err", err)
			errorResponse[any](w, &apiError{errorInternal, err}, s.logger, nil)
		}

		return
	}

	http.Redirect(w, r, loginURL, http.StatusFound)
}

// GET /api/v1/callback
// Completes the OAuth login.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	query := r.URL.Query()
	if e := query.Get("error"); e != "" {
		s.logger.Info("Identity provider returned an error", "error", e, "description", query.Get("error_description"))
	}

	err := m.Callback(r.Context(), query.Get("code"), query.Get("state"))

	switch {
	case errors.Is(err, auth.ErrOAuthDisabled):
		errorResponse[any](w, &apiError{errorNotFound, err}, s.logger, nil)
	case errors.Is(err, auth.ErrStateMismatch), errors.Is(err, auth.ErrMissingCode):
		view := m.View()
		errorResponse(w, &apiError{errorBadData, err}, s.logger, &view)
	default:
		// Outcome including failures is rendered from the session view
		if err != nil {
			s.logger.Warn("OAuth callback failed", "err", err)
		}

		http.Redirect(w, r, s.rootPath, http.StatusFound)
	}
}

// POST /api/v1/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	m.Logout()

	view := m.View()
	writeResponse(w, &view, nil, s.logger)
}

// POST /api/v1/retry
// Leaves the error screen.
func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	if err := m.Retry(); err != nil {
		view := m.View()
		errorResponse(w, &apiError{errorBadData, err}, s.logger, &view)

		return
	}

	view := m.View()
	writeResponse(w, &view, nil, s.logger)
}

// GET /api/v1/status
// Normalized cluster status. Only served in Dashboard state.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	m := s.machine(w, r)
	if m == nil {
		return
	}

	m.IsAuthenticated()

	switch m.State() { //nolint:exhaustive
	case auth.Dashboard:
	case auth.Unauthorized:
		errorResponse[any](w, &apiError{errorForbidden, errNotAuthorized}, s.logger, nil)

		return
	default:
		errorResponse[any](w, &apiError{errorUnauthorized, errNotLoggedIn}, s.logger, nil)

		return
	}

	snapshot, ok := s.cluster.Latest()
	if !ok || r.URL.Query().Get("refresh") == "true" {
		snapshot = s.cluster.Refresh(r.Context())
	}

	var warnings []string
	if snapshot.Source == cluster.SourceMock {
		warnings = append(warnings, mockDataWarning)
	}

	w.Header().Set("X-Data-Source", snapshot.Source.String())
	writeResponse(w, snapshot.Status, warnings, s.logger)
}
