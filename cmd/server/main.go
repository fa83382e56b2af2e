// Package main provides the API server entry point for the review anchor service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/review-anchor/internal/adapter"
	"github.com/review-anchor/internal/api"
	"github.com/review-anchor/internal/config"
	"github.com/review-anchor/internal/logging"
	"github.com/review-anchor/internal/retry"
	"github.com/review-anchor/internal/service"
	"github.com/review-anchor/internal/storage"
)

func main() {
	runMigrations := flag.Bool("migrate", true, "Apply pending Postgres migrations before serving")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer logger.Sync() // nolint:errcheck // best effort on exit

	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if *runMigrations {
		logger.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(cfg.Database.Postgres.URL()); err != nil {
			logger.WithError(err).Fatal("Failed to run migrations")
		}
	}

	ctx := context.Background()

	// Connect to Postgres; the database may still be starting alongside the server.
	var postgres *storage.PostgresDB
	_, err = retry.Do(ctx, "postgres connect", retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		var connErr error
		postgres, connErr = storage.NewPostgresDB(&cfg.Database.Postgres)
		return connErr
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	pingers := map[string]api.Pinger{"postgres": postgres}

	// Redis only backs the anchor status display cache, so the server runs without it.
	var statusCache adapter.StatusCache
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable; anchor status lookups will not be cached")
	} else {
		defer redis.Close()
		statusCache = storage.NewCacheService(redis, cfg.Cache.AnchorStatusTTL)
		pingers["redis"] = redis
	}

	logger.Info("Database connections established")

	// Acceptance path: one endpoint, strict.
	var ledger adapter.LedgerClient
	_, err = retry.Do(ctx, "chain rpc dial", retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		var dialErr error
		ledger, dialErr = adapter.DialEthClient(ctx, cfg.Chain.RPCURL)
		return dialErr
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain RPC")
	}
	defer ledger.Close()

	verifier, err := adapter.NewAnchorVerifier(ledger, adapter.AnchorVerifierConfig{
		ChainID:  cfg.Chain.ChainID,
		Contract: cfg.Chain.AnchorContract,
		Timeout:  cfg.Chain.RPCTimeout,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create anchor verifier")
	}

	// Display path: ordered fallback across every configured endpoint.
	pool, err := adapter.NewRPCPool(&adapter.RPCPoolConfig{
		Endpoints:       cfg.Chain.StatusEndpoints(),
		BreakerCooldown: cfg.Chain.BreakerCooldown,
		ExpectedChainID: cfg.Chain.ChainID,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create RPC pool")
	}
	defer pool.Close()
	resolver := adapter.NewAnchorStatusResolver(pool, cfg.Chain.ChainID, cfg.Chain.RPCTimeout, statusCache)

	logger.WithFields(map[string]interface{}{
		"chain_id":         cfg.Chain.ChainID,
		"contract":         cfg.Chain.AnchorContract,
		"status_endpoints": pool.EndpointCount(),
	}).Info("Ledger clients initialized")

	// Initialize repositories
	userRepo := storage.NewUserRepository(postgres)
	nonceRepo := storage.NewNonceRepository(postgres)
	sessionRepo := storage.NewSessionRepository(postgres)
	establishmentRepo := storage.NewEstablishmentRepository(postgres)
	reviewRepo := storage.NewReviewRepository(postgres)
	pointsConfigRepo := storage.NewPointsConfigRepository(postgres)
	idempotencyRepo := storage.NewIdempotencyRepository(postgres)

	// Initialize services
	logger.Info("Initializing services...")

	tokens, err := service.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenLifetime)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token issuer")
	}
	authService, err := service.NewAuthService(userRepo, nonceRepo, sessionRepo, tokens, service.AuthConfig{
		ChainID:        cfg.Chain.ChainID,
		Domain:         cfg.Auth.Domain,
		AllowedDomains: cfg.Auth.AllowedDomains,
		Statement:      cfg.Auth.Statement,
		NonceTTL:       cfg.Auth.NonceTTL,
		ClockSkew:      cfg.Auth.ClockSkew,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create auth service")
	}

	idempotencyCache := service.NewIdempotencyCache(cfg.Idempotency.CacheSize, cfg.Idempotency.CacheTTL)
	reviewService := service.NewReviewService(service.ReviewServiceDeps{
		Users:          userRepo,
		Establishments: establishmentRepo,
		Reviews:        reviewRepo,
		PointsConfig:   pointsConfigRepo,
		Idempotency:    idempotencyRepo,
		Cache:          idempotencyCache,
		Verifier:       verifier,
		Resolver:       resolver,
	})
	pointsConfigService := service.NewPointsConfigService(pointsConfigRepo)

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerSec:  cfg.RateLimit.RequestsPerSecond,
		Burst:           cfg.RateLimit.Burst,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}

	server := api.NewServer(serverConfig, api.Services{
		Auth:         authService,
		Reviews:      reviewService,
		PointsConfig: pointsConfigService,
		RPCStatus:    pool.Status,
		CacheStats:   idempotencyCache.Stats,
		Pingers:      pingers,
	})

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
