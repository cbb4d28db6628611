// Package main is the entry point for the orchestrator server binary.
// It dispatches its subcommands (serve, migrate, version, keygen, token) via a
// simple switch on os.Args so the binary's full CLI surface is readable in one
// place. The serve command runs auto-migration on startup so freshly deployed
// containers never need a separate migration step.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/odoo-orchestrator/orchestrator/internal/api"
	"github.com/odoo-orchestrator/orchestrator/internal/auth"
	"github.com/odoo-orchestrator/orchestrator/internal/config"
	"github.com/odoo-orchestrator/orchestrator/internal/crypto"
	"github.com/odoo-orchestrator/orchestrator/internal/db"
	"github.com/odoo-orchestrator/orchestrator/internal/odoosh"
	"github.com/odoo-orchestrator/orchestrator/internal/storage"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/odoo-orchestrator/orchestrator/internal/storage/azure"
	_ "github.com/odoo-orchestrator/orchestrator/internal/storage/gcs"
	_ "github.com/odoo-orchestrator/orchestrator/internal/storage/local"
	_ "github.com/odoo-orchestrator/orchestrator/internal/storage/s3"
)

// EncryptionKeyEnv holds the 32-byte master key sealing instance credentials
const EncryptionKeyEnv = "ENCRYPTION_KEY"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Commands that need no configuration
	switch command {
	case "version":
		fmt.Printf("Odoo Orchestrator v%s\n", api.Version)
		return nil
	case "keygen":
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "token":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: %s token <user-id> <role>", os.Args[0])
		}
		return printToken(cfg, os.Args[2], os.Args[3])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version, keygen, token", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fails in production if not set
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	key, err := crypto.ParseMasterKey(os.Getenv(EncryptionKeyEnv))
	if err != nil {
		return fmt.Errorf("%s: %w", EncryptionKeyEnv, err)
	}
	cipher, err := crypto.NewCredentialCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create credential cipher: %w", err)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"name", cfg.Database.Name,
		"ssl_mode", cfg.Database.SSLMode)
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("storage backend ready", "backend", cfg.Storage.DefaultBackend)

	deps := api.Dependencies{
		DB:      database,
		Storage: store,
		Cipher:  cipher,
		OdooSh:  odoosh.NewClient(cfg.OdooSh.APIBaseURL, cfg.OdooSh.Timeout, nil),
	}

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		deps.Redis = client
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	// Metrics are served on a dedicated port so they are not reachable through
	// the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Running deployments get the rest of the grace period; whatever is still
	// in progress afterwards is picked up by the reaper on the next start.
	bgServices.Shutdown(ctx)

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		MaxConnections:     cfg.Database.MaxConnections,
		MinIdleConnections: cfg.Database.MinIdleConnections,
		ConnMaxLifetime:    30 * time.Minute,
		PingAttempts:       5,
		PingBackoff:        time.Second,
	}
}

// printToken signs a short-lived token with the configured secret. Only useful
// in development, where the hosted auth provider is not available.
func printToken(cfg *config.Config, userID, role string) error {
	if err := auth.ValidateJWTSecret(); err != nil {
		return err
	}
	if len(auth.RoleScopes(role)) == 0 {
		return fmt.Errorf("unknown role %q (admin, operator, editor, viewer)", role)
	}
	verifier := auth.NewVerifier(auth.GetJWTSecret(), cfg.Auth.Issuer, cfg.Auth.Audience)
	token, err := verifier.Sign(userID, role, 8*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
