// Package api provides the HTTP API server for the deployment tracker.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/homeport-sh/homeport/internal/api/handlers"
	"github.com/homeport-sh/homeport/internal/api/health"
	"github.com/homeport-sh/homeport/internal/api/middleware"
	"github.com/homeport-sh/homeport/internal/auth"
	"github.com/homeport-sh/homeport/internal/cache"
	rediscache "github.com/homeport-sh/homeport/internal/cache/redis"
	"github.com/homeport-sh/homeport/internal/lifecycle"
	"github.com/homeport-sh/homeport/internal/metrics"
	"github.com/homeport-sh/homeport/internal/queue"
	"github.com/homeport-sh/homeport/internal/secrets"
	"github.com/homeport-sh/homeport/internal/store"
	"github.com/homeport-sh/homeport/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	store         store.Store
	tracker       *lifecycle.Tracker
	queue         queue.Queue
	auth          *auth.Service
	secrets       *secrets.Service
	cache         cache.Cache
	metrics       *metrics.Metrics
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies. The
// metrics set may be nil.
func NewServer(cfg *config.Config, st store.Store, trk *lifecycle.Tracker, q queue.Queue, authSvc *auth.Service, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:   st,
		tracker: trk,
		queue:   q,
		auth:    authSvc,
		metrics: m,
		config:  cfg,
		logger:  logger,
		cache:   cache.NewNoop(),
	}

	s.healthChecker = health.NewChecker(Version)
	s.healthChecker.AddComponent("database", st)

	if cfg.Secrets.AgePublicKey != "" || cfg.Secrets.AgePrivateKey != "" {
		secretsSvc, err := secrets.NewService(secrets.Config{
			AgePublicKey:  cfg.Secrets.AgePublicKey,
			AgePrivateKey: cfg.Secrets.AgePrivateKey,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize secrets service", "error", err)
		} else {
			s.secrets = secretsSvc
			logger.Info("secrets service initialized", "can_seal", secretsSvc.CanSeal(), "can_open", secretsSvc.CanOpen())
		}
	} else {
		logger.Warn("age keys not configured, templates with secret variables cannot be deployed")
	}

	if cfg.Redis.Addr != "" {
		redisCache, err := rediscache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("failed to connect view cache, continuing without it", "error", err)
		} else {
			s.cache = redisCache
			s.healthChecker.AddOptionalComponent("cache", redisCache)
			logger.Info("view cache connected", "addr", cfg.Redis.Addr)
		}
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// Health and metrics endpoints (no auth required)
	r.Get("/health", s.healthChecker.Handler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.auth, s.logger)
		r.Use(authMiddleware.Authenticate)

		// Auth validation endpoint (the middleware already validated the token)
		r.Get("/auth/validate", func(w http.ResponseWriter, r *http.Request) {
			operator := middleware.GetOperator(r.Context())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","operator":"` + operator + `"}`))
		})

		// Marketplace template routes
		templateHandler := handlers.NewTemplateHandler(s.store, s.logger)
		deploymentHandler := handlers.NewDeploymentHandler(s.store, s.tracker, s.queue, s.cache, s.secrets, s.metrics, s.config.Redis.ViewTTL, s.logger)
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", templateHandler.List)
			r.Post("/", templateHandler.Create)
			r.Route("/{templateID}", func(r chi.Router) {
				r.Get("/", templateHandler.Get)
				r.Put("/", templateHandler.Update)
				r.Delete("/", templateHandler.Delete)
				r.Post("/deploy", deploymentHandler.Deploy)
			})
		})

		// Deployment routes
		logStreamHandler := handlers.NewLogStreamHandler(s.tracker, s.logger)
		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", deploymentHandler.List)
			r.Route("/{deploymentID}", func(r chi.Router) {
				r.Get("/", deploymentHandler.Get)
				r.Get("/logs", deploymentHandler.Logs)
				r.Get("/logs/ws", logStreamHandler.Stream)
				r.Post("/cancel", deploymentHandler.Cancel)
				r.Post("/rollback", deploymentHandler.Rollback)
			})
		})
	})

	s.router = r
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			// Closed without an error: the server was shut down externally.
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.cache.Close(); err != nil {
		s.logger.Warn("failed to close view cache", "error", err)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
