package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/auth"
	"github.com/syncrail/syncrail-engine/pkg/broadcast"
	"github.com/syncrail/syncrail-engine/pkg/config"
	"github.com/syncrail/syncrail-engine/pkg/crypto"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/embedding"
	"github.com/syncrail/syncrail-engine/pkg/handlers"
	"github.com/syncrail/syncrail-engine/pkg/logging"
	"github.com/syncrail/syncrail-engine/pkg/middleware"
	"github.com/syncrail/syncrail-engine/pkg/pipeline"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
	"github.com/syncrail/syncrail-engine/pkg/vectorstore"
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

	logger.Info("configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", cfg.Database.Host),
		zap.Ints("tenants", cfg.Pipeline.Tenants))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Migrations run over a plain database/sql handle so golang-migrate can
	// own its transaction; the worker pool connects separately below.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	if err := migrationDB.Close(); err != nil {
		logger.Warn("failed to close migration connection", zap.Error(err))
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	scopes := database.NewTenantScopeProvider(db)

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	if redisClient == nil {
		logger.Fatal("redis is required for job completion tracking; set REDIS_HOST")
	}
	defer func() { _ = redisClient.Close() }()

	jwks, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		logger.Fatal("failed to initialize JWKS client", zap.Error(err))
	}
	defer jwks.Close()

	encryptor, err := crypto.NewCredentialEncryptor(cfg.IntegrationCredentialsKey)
	if err != nil {
		logger.Fatal("failed to initialize credential encryptor", zap.Error(err))
	}

	vectors, err := vectorstore.NewClient(&cfg.Qdrant, logger)
	if err != nil {
		logger.Fatal("failed to connect to vector index", zap.Error(err))
	}
	defer func() { _ = vectors.Close() }()

	provider := embedding.NewOpenAIProvider(&cfg.Embedding, logger)
	broadcaster := broadcast.NewBroadcaster(jwks, logger)

	jobs := repositories.NewJobRepository()
	bridges := repositories.NewVectorBridgeRepository()

	manager, err := pipeline.NewManager(pipeline.ManagerDeps{
		Config:       cfg,
		Logger:       logger,
		Scopes:       scopes,
		Redis:        redisClient,
		Vectors:      vectors,
		Provider:     provider,
		Encryptor:    encryptor,
		Notifier:     broadcaster,
		Integrations: repositories.NewIntegrationRepository(),
		Jobs:         jobs,
		Raws:         repositories.NewRawExtractionRepository(),
		Entities:     repositories.NewEntityRepository(),
		Mappings:     repositories.NewMappingRepository(),
		Bridges:      bridges,
	})
	if err != nil {
		logger.Fatal("failed to build worker manager", zap.Error(err))
	}

	for _, tenantID := range cfg.Pipeline.Tenants {
		ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := manager.EnsureCollections(ensureCtx, tenantID)
		cancel()
		if err != nil {
			logger.Fatal("failed to ensure vector collections",
				zap.Int("tenant_id", tenantID), zap.Error(err))
		}
	}

	if err := manager.Start(ctx); err != nil {
		logger.Fatal("failed to start worker manager", zap.Error(err))
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)

	// The broadcaster authenticates at the WebSocket handshake itself.
	mux.HandleFunc("/ws", broadcaster.HandleWS)

	api := http.NewServeMux()
	handlers.NewJobsHandler(manager, manager.Broker(), scopes, jobs, bridges, broadcaster, logger).RegisterRoutes(api)
	authenticate := middleware.Authenticate(jwks, cfg.Auth.EnableVerification, logger)
	mux.Handle("/api/", middleware.RequestLogger(logger)(authenticate(api)))

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting syncrail-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	manager.Stop()
	logger.Info("shutdown complete")
}
