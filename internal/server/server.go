// Package server wires flagd's components for a role and serves them over
// HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/auth"
	"github.com/devrev/flagsync/internal/config"
	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/handler"
	"github.com/devrev/flagsync/internal/health"
	"github.com/devrev/flagsync/internal/metrics"
	"github.com/devrev/flagsync/internal/middleware"
	"github.com/devrev/flagsync/internal/push"
	"github.com/devrev/flagsync/internal/service"
	"github.com/devrev/flagsync/internal/store"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	cfg          *config.Config
	metrics      *metrics.Metrics
	errorHandler *apierrors.Handler
	healthCheck  *health.HealthCheck
	logger       *zap.Logger

	// set for roles that own the flags API (all, api)
	flagHandler       *handler.FlagHandler
	authHandler       *handler.AuthHandler
	connectionHandler *handler.ConnectionHandler
	authMiddleware    *auth.Middleware

	// set for roles that hold subscriber sockets (all, gateway)
	hub        *push.Hub
	management *push.ManagementHandler
}

// NewServer builds the components for cfg.Server.Role. st may be nil for
// the gateway role, which keeps no records.
func NewServer(cfg *config.Config, st store.Store, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	s := &Server{
		router:       mux.NewRouter(),
		cfg:          cfg,
		metrics:      m,
		errorHandler: apierrors.NewHandler(logger),
		healthCheck:  health.NewHealthCheck(m, logger),
		logger:       logger,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	switch cfg.Server.Role {
	case config.RoleAll:
		if st == nil {
			return nil, fmt.Errorf("role %s requires a store", cfg.Server.Role)
		}
		tokens := auth.NewTokenManager(cfg.Auth)
		registry := service.NewConnectionRegistry(st, logger)
		s.hub = push.NewHub(cfg.WebSocket, registry, tokens, m, logger)
		s.buildAPI(st, tokens, registry, s.hub)

	case config.RoleAPI:
		if st == nil {
			return nil, fmt.Errorf("role %s requires a store", cfg.Server.Role)
		}
		tokens := auth.NewTokenManager(cfg.Auth)
		registry := service.NewConnectionRegistry(st, logger)
		s.buildAPI(st, tokens, registry, push.NewRemotePusher(cfg.Push, logger))

	case config.RoleGateway:
		var verifier push.TokenVerifier
		if cfg.Auth.JWTSecret != "" {
			verifier = auth.NewTokenManager(cfg.Auth)
		}
		lifecycle := push.NewRemoteLifecycle(cfg.Push, logger)
		s.hub = push.NewHub(cfg.WebSocket, lifecycle, verifier, m, logger)
		s.healthCheck.AddCheck("api", lifecycle.Ping)

	default:
		return nil, fmt.Errorf("unknown role %q", cfg.Server.Role)
	}

	if s.hub != nil {
		s.management = push.NewManagementHandler(s.hub, cfg.Push.GatewayKey, logger)
	}

	return s, nil
}

// buildAPI assembles the flags API on top of st
func (s *Server) buildAPI(st store.Store, tokens *auth.TokenManager, registry *service.ConnectionRegistry, pusher push.Pusher) {
	cfg := s.cfg
	timeout := cfg.Server.RequestTimeout

	ids := service.NewIDAllocator(st, cfg.Store.CounterName, s.metrics, s.logger)
	broadcaster := service.NewBroadcastService(registry, pusher, cfg.Broadcast.Concurrency, s.metrics, s.logger)
	flags := service.NewFlagService(st, ids, broadcaster, cfg.Flags, s.metrics, s.logger)
	authService := service.NewAuthService(st, tokens, cfg.Auth.BcryptCost, s.logger)

	s.flagHandler = handler.NewFlagHandler(flags, s.errorHandler, timeout, s.logger)
	s.authHandler = handler.NewAuthHandler(authService, s.errorHandler, timeout, cfg.Auth.TokenTTL, s.logger)
	s.connectionHandler = handler.NewConnectionHandler(registry, s.errorHandler, timeout, s.logger)
	s.authMiddleware = auth.NewMiddleware(tokens, s.errorHandler, s.logger)

	s.healthCheck.AddCheck("store", st.Ping)
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	// MetricsMiddleware goes through Use so the matched route is known.
	s.router.Use(metrics.MetricsMiddleware(s.metrics))
	s.router.Use(middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS(s.cfg.CORS.AllowedOrigins),
	))

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	if s.flagHandler != nil {
		s.setupAPIRoutes()
	}

	if s.hub != nil {
		s.router.Handle(s.cfg.WebSocket.Path, s.hub).Methods(http.MethodGet)
		s.management.Register(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.ErrorCodeNotFound, "endpoint not found", r.Header.Get("X-Request-ID"))
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.ErrorCodeInvalidArgument, "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

func (s *Server) setupAPIRoutes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()
	// CORS answers preflights itself, but mux only runs middleware on a
	// matched route.
	v1.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		v1.Use(rateLimiter.Limit)
	}

	v1.HandleFunc("/auth/register", s.authHandler.Register).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", s.authHandler.Login).Methods(http.MethodPost)
	v1.Handle("/auth/me", s.authMiddleware.RequireAuth(http.HandlerFunc(s.authHandler.Me))).Methods(http.MethodGet)

	flags := v1.PathPrefix("/flags").Subrouter()
	flags.Use(s.authMiddleware.RequireAuth)

	flags.HandleFunc("", s.flagHandler.ListFlags).Methods(http.MethodGet)
	flags.HandleFunc("", s.flagHandler.CreateFlag).Methods(http.MethodPost)
	// bulk routes first so "bulk" is never read as an {id}
	flags.HandleFunc("/bulk/enabled", s.flagHandler.BulkSetEnabled).Methods(http.MethodPut)
	flags.HandleFunc("/bulk/delete", s.flagHandler.BulkDelete).Methods(http.MethodPost)
	flags.HandleFunc("/{id}/enabled", s.flagHandler.SetEnabled).Methods(http.MethodPut)
	flags.HandleFunc("/{id}", s.flagHandler.EditFlag).Methods(http.MethodPatch)
	flags.HandleFunc("/{id}", s.flagHandler.DeleteFlag).Methods(http.MethodDelete)

	internal := s.router.PathPrefix("/internal/connections").Subrouter()
	internal.Use(push.RequireGatewayKey(s.cfg.Push.GatewayKey, s.errorHandler))
	internal.HandleFunc("/{id}", s.connectionHandler.Connect).Methods(http.MethodPost)
	internal.HandleFunc("/{id}", s.connectionHandler.Disconnect).Methods(http.MethodDelete)
}

// Start starts the HTTP server and the background health checks.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		zap.String("role", s.cfg.Server.Role),
		zap.Int("port", s.cfg.Server.Port),
	)
	s.healthCheck.Start()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown closes subscriber sockets and then gracefully shuts down the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.hub != nil {
		s.hub.Close()
	}
	s.healthCheck.Stop()
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() chan error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errChan <- err
		}
		close(errChan)
	}()

	// Give the server a moment to start
	time.Sleep(100 * time.Millisecond)
	return errChan
}
