package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/easel-ai/easel-engine/pkg/auth"
	"github.com/easel-ai/easel-engine/pkg/config"
	"github.com/easel-ai/easel-engine/pkg/database"
	"github.com/easel-ai/easel-engine/pkg/handlers"
	"github.com/easel-ai/easel-engine/pkg/logging"
	"github.com/easel-ai/easel-engine/pkg/mcp"
	"github.com/easel-ai/easel-engine/pkg/middleware"
	"github.com/easel-ai/easel-engine/pkg/repositories"
	"github.com/easel-ai/easel-engine/pkg/services"
	"github.com/easel-ai/easel-engine/pkg/tools"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("port", cfg.Port),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host))

	ctx := context.Background()

	db, err := database.Connect(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(&cfg.Database, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	jwksClient, err := auth.NewJWKSClient(&cfg.Auth)
	if err != nil {
		logger.Fatal("Failed to create JWKS client", zap.Error(err))
	}
	defer jwksClient.Close()

	authService := auth.NewAuthService(jwksClient, logger)
	authMW := auth.NewMiddleware(authService, logger)

	docRepo := repositories.NewDocumentRepository(db)
	agentRepo := repositories.NewAgentRepository(db)

	registry := services.NewRegistry(cfg.Registry, redisClient, logger)
	registry.RegisterProvider(tools.NewBuiltinProvider(logger,
		tools.WithStageDelay(100*time.Millisecond)))

	providers, err := config.LoadProviders(cfg.Registry.ProvidersPath)
	if err != nil {
		logger.Fatal("Failed to load tool providers", zap.Error(err))
	}
	for _, spec := range providers {
		provider, err := mcp.NewProvider(ctx, spec.Name, spec.BaseURL, cfg.Version, logger)
		if err != nil {
			// a provider that is down at boot is skipped, not fatal
			logger.Warn("Failed to connect tool provider",
				zap.String("provider", spec.Name), zap.Error(err))
			continue
		}
		registry.RegisterProvider(provider)
	}

	tracker := tools.NewTracker()
	runner := tools.NewRunner(
		time.Duration(cfg.Invocation.DefaultTimeoutSeconds)*time.Second,
		tracker, logger)

	permissionService := services.NewPermissionService(agentRepo, logger)
	artifactService := services.NewArtifactService(docRepo, registry, runner, cfg.Invocation, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewToolsHandler(registry, logger).RegisterRoutes(mux, authMW)
	handlers.NewArtifactHandler(artifactService, permissionService, agentRepo, logger).RegisterRoutes(mux, authMW)
	handlers.NewAgentHandler(agentRepo, permissionService, logger).RegisterRoutes(mux, authMW)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: middleware.RequestLogger(logger)(mux),
	}

	go func() {
		logger.Info("Starting easel-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown incomplete", zap.Error(err))
	}

	// wait for in-flight invocations before closing provider sessions
	registry.Close()
}
