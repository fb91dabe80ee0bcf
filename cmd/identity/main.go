package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clearvest/identity/internal/config"
	"github.com/clearvest/identity/internal/database"
	"github.com/clearvest/identity/internal/identity"
	"github.com/clearvest/identity/internal/identity/accreditation"
	"github.com/clearvest/identity/internal/identity/audit"
	"github.com/clearvest/identity/internal/identity/kyc"
	"github.com/clearvest/identity/internal/identity/lockout"
	"github.com/clearvest/identity/internal/identity/notification"
	"github.com/clearvest/identity/internal/identity/rbac"
	"github.com/clearvest/identity/internal/identity/session"
	"github.com/clearvest/identity/internal/identity/storage"
	"github.com/clearvest/identity/internal/identity/twofa"
	"github.com/clearvest/identity/internal/server"
	"github.com/clearvest/identity/pkg/logger"
	"github.com/clearvest/identity/pkg/models"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	blobs, err := storage.NewMinioStore(zapLogger, cfg.Storage.Endpoint,
		cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.UseSSL)
	if err != nil {
		zapLogger.Fatal("Failed to connect to object storage", zap.Error(err))
	}

	dispatcher := notification.NewKafkaDispatcher(zapLogger, cfg.Notification.Brokers, cfg.Notification.Topic)
	defer dispatcher.Close()

	// Core components
	recorder := audit.NewRecorder(zapLogger, db)
	guard := lockout.NewGuard(zapLogger, redisClient, cfg.Lockout.Threshold, cfg.Lockout.Window)
	challenges := twofa.NewCoordinator(zapLogger, db, cfg.Challenge.TTL,
		cfg.Challenge.MaxAttempts, cfg.Challenge.CodeLength)
	totp := twofa.NewTOTPService(zapLogger, db, cfg.Challenge.TOTPIssuer)
	signer := session.NewJWTSigner(cfg.Token.Secret, cfg.Token.Issuer)
	sessions := session.NewManager(zapLogger, db, signer,
		cfg.Token.AccessTTL, cfg.Token.RefreshTTL, cfg.Token.SessionMaxAge)

	identitySvc := identity.NewService(zapLogger, db, recorder, guard, challenges, totp, sessions, dispatcher)
	rbacResolver := rbac.NewResolver(zapLogger, db, recorder)

	// The accreditation engine and the verification machine reference each
	// other: the machine drives recomputation on approved/expired
	// transitions, the engine reads effective verification status.
	var engine *accreditation.Engine
	machine := kyc.NewMachine(zapLogger, db, recorder, blobs,
		cfg.Kyc.ValidityWindow, cfg.Kyc.RequiredDocuments,
		func(ctx context.Context, userID uuid.UUID, status models.KycStatus) {
			if engine == nil {
				return
			}
			if _, err := engine.Recompute(ctx, userID, "kyc_"+string(status)); err != nil {
				zapLogger.Error("accreditation recompute failed", zap.Error(err),
					zap.String("user_id", userID.String()))
			}
		})
	engine, err = accreditation.NewEngine(zapLogger, db, recorder, machine, cfg.Accreditation)
	if err != nil {
		zapLogger.Fatal("Failed to build accreditation engine", zap.Error(err))
	}

	// Seed the built-in roles
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSeed()
	if err := rbacResolver.EnsureRole(seedCtx, "investor", []string{
		"portfolio:read", "investment:place",
	}); err != nil {
		zapLogger.Fatal("Failed to seed investor role", zap.Error(err))
	}
	if err := rbacResolver.EnsureRole(seedCtx, "compliance", []string{
		"kyc:review", "accreditation:override", "activity:read",
	}); err != nil {
		zapLogger.Fatal("Failed to seed compliance role", zap.Error(err))
	}

	apiServer := server.NewServer(zapLogger, identitySvc, sessions, totp, machine, engine, rbacResolver)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Forced shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
