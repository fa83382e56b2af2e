// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/review-anchor/internal/adapter"
	"github.com/review-anchor/internal/logging"
	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/service"
)

// Service interfaces for dependency injection and testing

// AuthServiceInterface defines the interface for sign-in and bearer authentication
type AuthServiceInterface interface {
	IssueNonce(ctx context.Context, req service.NonceRequest) (*service.NonceResponse, error)
	Verify(ctx context.Context, message, signature, requestDomain string) (*service.TokenResponse, error)
	Authenticate(ctx context.Context, bearer string) (*service.Principal, error)
	Logout(ctx context.Context, jti string) error
	Register(ctx context.Context, in service.RegisterInput) (*service.UserSummary, error)
	CurrentUser(p *service.Principal) service.UserSummary
}

// ReviewServiceInterface defines the interface for review submission and lookup
type ReviewServiceInterface interface {
	CreateReview(ctx context.Context, in service.CreateReviewInput) (*service.ReviewResponse, error)
	Replay(ctx context.Context, userID, key string) (*service.ReviewResponse, error)
	GetReview(ctx context.Context, id string) (*service.ReviewResponse, error)
	AnchorStatus(ctx context.Context, reviewID string) (*adapter.AnchorStatus, error)
}

// PointsConfigServiceInterface defines the interface for the admin weights endpoints
type PointsConfigServiceInterface interface {
	Current(ctx context.Context) (*models.PointsConfig, error)
	Update(ctx context.Context, cfg models.PointsConfig, actorID string) (*models.PointsConfig, error)
}

// Pinger is a dependency probed by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the server's collaborators. RPCStatus, CacheStats and Pingers are optional.
type Services struct {
	Auth         AuthServiceInterface
	Reviews      ReviewServiceInterface
	PointsConfig PointsConfigServiceInterface
	RPCStatus    func() *adapter.RPCPoolStatus
	CacheStats   func() service.IdempotencyCacheStats
	Pingers      map[string]Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	auth         AuthServiceInterface
	reviews      ReviewServiceInterface
	pointsConfig PointsConfigServiceInterface
	rpcStatus    func() *adapter.RPCPoolStatus
	cacheStats   func() service.IdempotencyCacheStats
	pingers      map[string]Pinger
	config       *ServerConfig
	logger       *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int // per client address
	Burst           int
	AllowedOrigins  []string
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, services Services) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		auth:         services.Auth,
		reviews:      services.Reviews,
		pointsConfig: services.PointsConfig,
		rpcStatus:    services.RPCStatus,
		cacheStats:   services.CacheStats,
		pingers:      services.Pingers,
		config:       config,
		logger:       logging.GetGlobalLogger().WithField("component", "api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Preflight requests must match a route for the middleware chain to run.
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Auth endpoints
	s.router.HandleFunc("/auth/nonce", s.handleNonce).Methods("POST")
	s.router.HandleFunc("/auth/token", s.handleVerify).Methods("POST")
	s.router.HandleFunc("/auth/verify", s.handleVerify).Methods("POST")
	s.router.Handle("/auth/logout", s.requireAuth(http.HandlerFunc(s.handleLogout))).Methods("POST")
	s.router.Handle("/auth/me", s.requireAuth(http.HandlerFunc(s.handleMe))).Methods("GET")

	// User endpoints
	s.router.HandleFunc("/users", s.handleCreateUser).Methods("POST")

	// Review endpoints
	s.router.Handle("/reviews", s.requireAuth(http.HandlerFunc(s.handleCreateReview))).Methods("POST")
	s.router.HandleFunc("/reviews/{id}", s.handleGetReview).Methods("GET")
	s.router.HandleFunc("/reviews/{id}/anchor", s.handleGetAnchorStatus).Methods("GET")

	// Admin endpoints
	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAuth, requireAdmin)
	admin.HandleFunc("/points-config", s.handleGetPointsConfig).Methods("GET")
	admin.HandleFunc("/points-config", s.handleUpdatePointsConfig).Methods("PUT")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.pingers))
	for name, p := range s.pingers {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.WithError(err).WithField("dependency", name).Warn("health check failed")
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status":  "healthy",
		"service": "review-anchor",
		"checks":  checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.rpcStatus != nil {
		body["rpc"] = s.rpcStatus()
	}
	if s.cacheStats != nil {
		body["idempotency_cache"] = s.cacheStats()
	}
	respondJSON(w, status, body)
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
