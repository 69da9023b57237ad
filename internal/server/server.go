// Package server is the snipbox hosting server: the dashboard, viewer and
// editor pages, the preview and component APIs, and the live preview socket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/middleware"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/preview"
	"github.com/conneroisu/snipbox/internal/sanitizer"
	"github.com/conneroisu/snipbox/internal/security"
	"github.com/conneroisu/snipbox/internal/store"
	"github.com/conneroisu/snipbox/internal/version"
)

// UserHeader carries the caller's identity. Authentication is handled in
// front of snipbox; the server trusts this header.
const UserHeader = "X-Snipbox-User"

// UserCookie is consulted when UserHeader is absent.
const UserCookie = "user"

var userPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// Options are the collaborators of a Server. Config and Store are required.
type Options struct {
	Config *config.Config
	Store  store.Store
	Logger logging.Logger
	// Metrics may be nil, which disables instrumentation and /metrics.
	Metrics *monitoring.Metrics
	// Sanitizer defaults to the fixed allow-list policy.
	Sanitizer sanitizer.Sanitizer
}

// Server hosts the snipbox UI and APIs.
type Server struct {
	config   *config.Config
	logger   logging.Logger
	errs     *errors.ErrorHandler
	metrics  *monitoring.Metrics
	store    store.Store
	pipeline *preview.Pipeline
	sessions *preview.Sessions
	health   *monitoring.HealthMonitor
	limits   *middleware.MutationLimits
	origins  *security.OriginAllowList
	chain    *middleware.Chain
	hub      *hub
	handler  http.Handler

	httpServer  *http.Server
	serverMutex sync.RWMutex

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// New wires a Server. The live preview hub starts immediately so Handler
// can be served without Start.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "server config is required")
	}
	if opts.Store == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "server store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitizer.New()
	}
	cfg := opts.Config

	pipeline, refreshOpts, err := preview.FromConfig(cfg.Preview, preview.Options{
		Sanitizer: opts.Sanitizer,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		logger:   opts.Logger.WithComponent("server"),
		metrics:  opts.Metrics,
		store:    opts.Store,
		pipeline: pipeline,
		sessions: preview.NewSessions(cfg.Preview.SessionTTL, opts.Metrics, refreshOpts...),
		health:   monitoring.NewHealthMonitor(opts.Logger, cfg.Server.Environment),
		limits:   middleware.NewMutationLimits(cfg.Limits),
		origins:  security.NewOriginAllowList(cfg.Server.AllowedOrigins),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.errs = errors.NewErrorHandler(s.logger)
	s.hub = newHub(s.logger, s.metrics)
	go s.hub.run(ctx)

	s.health.RegisterCheck(monitoring.StoreHealthChecker(s.store.Backend(), s.store))
	s.health.RegisterCheck(monitoring.GoroutineHealthChecker())
	if s.store.Backend() == config.BackendLocal {
		s.health.RegisterCheck(monitoring.FileSystemHealthChecker(filepath.Dir(cfg.Storage.Path)))
	}

	s.chain = middleware.NewChain(middleware.Dependencies{
		Config:  cfg,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Origins: s.origins,
	})
	s.handler = s.chain.Apply(s.routes())
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /components/{id}", s.handleViewer)
	mux.HandleFunc("GET /editor/{id}", s.handleEditor)

	mux.HandleFunc("POST /api/preview", s.handlePreview)
	mux.HandleFunc("POST /api/preview/check", s.handleCheck)
	mux.HandleFunc("GET /preview/{id}/frame", s.handleFrame)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/components", s.handleListComponents)
	mux.Handle("POST /api/components", s.mutating(s.handleCreateComponent))
	mux.HandleFunc("GET /api/components/{id}", s.handleGetComponent)
	mux.Handle("PUT /api/components/{id}", s.mutating(s.handleUpdateComponent))
	mux.Handle("PATCH /api/components/{id}", s.mutating(s.handleUpdateComponent))
	mux.Handle("DELETE /api/components/{id}", s.mutating(s.handleDeleteComponent))
	mux.HandleFunc("GET /api/components/{id}/export", s.handleExport)
	mux.HandleFunc("POST /api/export", s.handleExportMany)
	mux.Handle("POST /api/components/{id}/tags/{tagID}", s.mutating(s.handleAddTag))
	mux.Handle("DELETE /api/components/{id}/tags/{tagID}", s.mutating(s.handleRemoveTag))

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.Handle("POST /api/projects", s.mutating(s.handleCreateProject))
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.Handle("PUT /api/projects/{id}", s.mutating(s.handleUpdateProject))
	mux.Handle("PATCH /api/projects/{id}", s.mutating(s.handleUpdateProject))
	mux.Handle("DELETE /api/projects/{id}", s.mutating(s.handleDeleteProject))

	mux.HandleFunc("GET /api/tags", s.handleListTags)
	mux.Handle("POST /api/tags", s.mutating(s.handleCreateTag))
	mux.HandleFunc("GET /api/tags/{id}", s.handleGetTag)
	mux.Handle("DELETE /api/tags/{id}", s.mutating(s.handleDeleteTag))

	mux.HandleFunc("GET /health", s.health.HTTPHandler())
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /csp-report", security.CSPViolationHandler(s.logger))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

// mutating applies the per-user create, update and delete budgets.
func (s *Server) mutating(h http.HandlerFunc) http.Handler {
	return middleware.MutationLimitMiddleware(s.limits, limitKey, s.logger, s.metrics)(h)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr is the listen address from the configuration.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
}

// Start serves until ctx is cancelled or Shutdown is called. It also runs
// the idle session and rate limiter sweeps.
func (s *Server) Start(ctx context.Context) error {
	go s.sessions.Run(s.ctx)
	go s.limits.Run(s.ctx)
	if rl := s.chain.RateLimiter(); rl != nil {
		go rl.Run(s.ctx)
	}

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadTimeout:       s.config.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.Server.WriteTimeout,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.Shutdown(shutdownCtx)
		case <-s.ctx.Done():
		}
	}()

	s.logger.Info(ctx, "Server listening",
		"addr", server.Addr,
		"environment", s.config.Server.Environment,
		"store", s.store.Backend(),
		"version", version.Short())

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, closes every live preview socket and
// stops the background sweeps. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		s.hub.closeAll()

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
			}
		}

		s.cancel()
	})

	return shutdownErr
}

// userID returns the caller identity, or a validation error when the header
// or cookie holds something that cannot be a user id.
func userID(r *http.Request) (string, error) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		if c, err := r.Cookie(UserCookie); err == nil {
			id = c.Value
		}
	}
	if id == "" {
		return store.DefaultUserID, nil
	}
	if !userPattern.MatchString(id) {
		return "", errors.NewValidationError(errors.ErrCodeValidationFailed, "invalid user id").
			WithContext("field", "user")
	}
	return id, nil
}

// limitKey charges malformed identities to one shared budget.
func limitKey(r *http.Request) string {
	id, err := userID(r)
	if err != nil {
		return "invalid"
	}
	return id
}
