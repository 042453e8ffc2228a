package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"embed"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedloop/authorizer/internal/api"
	"github.com/feedloop/authorizer/internal/config"
	"github.com/feedloop/authorizer/internal/database"
	"github.com/feedloop/authorizer/internal/handlers"
	"github.com/feedloop/authorizer/internal/logging"
	"github.com/feedloop/authorizer/internal/middleware"
	"github.com/feedloop/authorizer/internal/models"
	"github.com/feedloop/authorizer/internal/repository"
	"github.com/feedloop/authorizer/internal/scheduler"
	"github.com/feedloop/authorizer/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const version = "1.0.0"

// NOTE: At least one .sql file must exist in migrations/ for embedding to work.
// Make sure to build from the project root so the path is correct.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

func runMigrations(cfg *config.Config) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", d, "postgres", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	fmt.Println("Migrations applied successfully.")
	return nil
}

// loadPrivateKey reads a PEM encoded RSA key in PKCS#1 or PKCS#8 form. An
// empty path means the host runs without TLS and JWT tokens are unavailable.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("error parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not an RSA key")
	}
	return key, nil
}

func main() {
	// CLI flags
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to config file")
	migrateOnly := pflag.BoolP("migrate", "m", false, "Run database migrations and exit")
	showVersion := pflag.BoolP("version", "v", false, "Print version and exit")
	port := pflag.IntP("port", "p", 8443, "HTTP server listen port")
	logLevel := pflag.StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	masterToken := pflag.String("master-token", "", "Override master token from config")

	pflag.Parse()

	if *showVersion {
		fmt.Println("authorizer version " + version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	if *migrateOnly {
		if err := runMigrations(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Override config with CLI flags if set
	if pflag.Lookup("port").Changed {
		cfg.Server.Port = *port
	}
	if pflag.Lookup("log-level").Changed {
		cfg.Logging.Level = *logLevel
	}
	if pflag.Lookup("master-token").Changed && *masterToken != "" {
		cfg.Auth.MasterToken = *masterToken
	}

	// Initialize logger
	logger, err := logging.InitLogger(logging.LoggingConfig(cfg.Logging))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	defaultTimeLimit, _ := cfg.DefaultTimeLimit()
	reaperInterval, _ := cfg.ReaperInterval()

	privateKey, err := loadPrivateKey(cfg.Token.PrivateKeyFile)
	if err != nil {
		logger.Fatal("Failed to load signing key", zap.Error(err))
	}
	if privateKey == nil {
		logger.Warn("No signing key configured, JWT tokens are disabled")
	}

	// Initialize database connection
	db, err := database.Connect(cfg.Database.ToDBConfig())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Initialize repositories
	tokenRepo := repository.NewTokenRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	keyRepo := repository.NewEncryptionKeyRepository(db)

	// Initialize services
	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	keyService := services.NewEncryptionKeyService(cfg.Token.SecretKey, keyRepo, logger)
	tokenEngine := services.NewTokenEngine(services.TokenEngineConfig{
		MasterSecret:        cfg.Token.SecretKey,
		Issuer:              cfg.Token.SystemName,
		SimpleTokenByteSize: cfg.Token.SimpleTokenByteSize,
		DefaultUsageLimit:   cfg.Token.DefaultUsageLimit,
		DefaultTimeLimit:    defaultTimeLimit,
		CollisionRetries:    cfg.Token.CollisionRetries,
		PrivateKey:          privateKey,
	}, tokenRepo, keyService, metrics, logger)
	discovery := services.NewDiscoveryClient(services.DiscoveryClientConfig{
		BaseURL:     cfg.Discovery.BaseURL,
		Timeout:     cfg.Discovery.Timeout,
		RetryMax:    cfg.Discovery.RetryMax,
		CacheTTL:    cfg.Discovery.CacheTTL,
		CachePrefix: cfg.Redis.Prefix,
	}, redisClient, logger)
	policyEngine := services.NewPolicyEngine(policyRepo, discovery, metrics, logger)

	// Initialize handlers
	tokenInfo := handlers.TokenInfo{
		Issuer:            cfg.Token.SystemName,
		HashAlgorithm:     "HmacSHA256",
		JWTEnabled:        privateKey != nil,
		DefaultUsageLimit: cfg.Token.DefaultUsageLimit,
		DefaultTimeLimit:  defaultTimeLimit.String(),
		KeyAlgorithms:     []string{models.AlgorithmAesEcbPkcs5, models.AlgorithmAesCbcPkcs5},
	}
	routeHandlers := api.Handlers{
		Tokens:   handlers.NewTokenHandler(tokenEngine, policyEngine, logger),
		Policies: handlers.NewPolicyHandler(policyEngine),
		Keys:     handlers.NewEncryptionKeyHandler(keyService),
		Status: handlers.NewStatusHandler(version, tokenInfo,
			handlers.HealthCheck{Name: "database", Check: db.PingContext},
			handlers.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}},
		),
	}

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(redisClient,
		middleware.WithLimit(cfg.RateLimit.VerifyPerMinute),
		middleware.WithWindow(60),
		middleware.WithPrefix(cfg.Redis.Prefix),
		middleware.WithLogger(logger),
	)

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery())

	// Setup routes with middleware
	api.SetupRoutes(router, routeHandlers, rateLimiter, cfg.Auth.MasterToken, logger)

	// Start HTTP server
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.Timeout,
	}

	// Start token reaper in background
	reaperStopCh := make(chan struct{})
	if reaperInterval > 0 {
		scheduler.NewReaper(db, redisClient, cfg.Redis.Prefix, tokenRepo, reaperInterval, logger).Start(reaperStopCh)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down server...")

		// Stop token reaper
		close(reaperStopCh)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Fatal("Server forced to shutdown", zap.Error(err))
		}
	}()

	logger.Info("Starting server", zap.Int("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server error", zap.Error(err))
	}
}
