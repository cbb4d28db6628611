// Package api wires the HTTP surface of the orchestrator.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - Everything under /api/v1 requires a bearer token issued by the hosted auth
//     provider, plus the scope named on each route.
//
// NewRouter owns the service graph: it builds repositories, the instance
// registry, the template store, the deployment and merge engines, and starts
// the background jobs. cmd/server shuts them down through BackgroundServices.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/odoo-orchestrator/orchestrator/internal/api/handlers"
	"github.com/odoo-orchestrator/orchestrator/internal/auth"
	"github.com/odoo-orchestrator/orchestrator/internal/config"
	"github.com/odoo-orchestrator/orchestrator/internal/db/repositories"
	"github.com/odoo-orchestrator/orchestrator/internal/deploy"
	"github.com/odoo-orchestrator/orchestrator/internal/instances"
	"github.com/odoo-orchestrator/orchestrator/internal/jobs"
	"github.com/odoo-orchestrator/orchestrator/internal/merge"
	"github.com/odoo-orchestrator/orchestrator/internal/middleware"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/storage"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
)

// Version is stamped at build time with -ldflags "-X ...api.Version=..."
var Version = "0.1.0"

// Dependencies are the external resources the service graph is built on.
// Storage, Redis and OdooSh may be nil.
type Dependencies struct {
	DB      *sql.DB
	Storage storage.Storage
	Redis   *redis.Client
	Cipher  instances.EncryptionService
	OdooSh  instances.OdooShClient
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	healthChecker *jobs.HealthChecker
	reaper        *jobs.StaleDeploymentReaper
	engine        *deploy.Engine
	rateLimiter   *middleware.RateLimiter
}

// Shutdown stops the jobs and waits for in-flight deployments until ctx expires.
// It should be called after the HTTP server has been shut down so that new
// deployments can no longer be started.
func (bg *BackgroundServices) Shutdown(ctx context.Context) {
	slog.Info("stopping background services")
	if bg.healthChecker != nil {
		bg.healthChecker.Stop()
	}
	if bg.reaper != nil {
		bg.reaper.Stop()
	}
	if bg.rateLimiter != nil {
		bg.rateLimiter.Stop()
	}
	if bg.engine != nil {
		if err := bg.engine.Shutdown(ctx); err != nil {
			slog.Warn("deployments still running at shutdown", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Services are the collaborators the routes are served by
type Services struct {
	DB          Pinger
	Storage     storage.Storage
	Verifier    middleware.TokenVerifier
	Limiter     middleware.Limiter
	Deployments handlers.DeploymentService
	Instances   handlers.InstanceService
	Templates   handlers.TemplateCatalog
	Versions    handlers.VersionControl
}

// Pinger is satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewRouter builds the service graph over deps, starts the background jobs and
// returns the configured Gin router.
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	db := sqlx.NewDb(deps.DB, "postgres")
	instanceRepo := repositories.NewInstanceRepository(db)
	backupRepo := repositories.NewBackupRepository(db)
	deploymentRepo := repositories.NewDeploymentRepository(db)
	templateRepo := repositories.NewTemplateRepository(db)

	registry := instances.NewRegistry(instanceRepo, backupRepo, deps.Cipher, instances.DialXMLRPC, deps.OdooSh, deps.Storage, instances.Config{
		Timeout:     cfg.Odoo.Timeout,
		DumpTimeout: cfg.Odoo.DumpTimeout,
		Retry: odoo.RetryConfig{
			MaxAttempts:    cfg.Odoo.MaxAttempts,
			InitialBackoff: cfg.Odoo.InitialBackoff,
			MaxBackoff:     cfg.Odoo.MaxBackoff,
			JitterFraction: 0.2,
		},
		BatchConcurrency: cfg.Odoo.BatchConcurrency,
		MasterPassword:   cfg.Odoo.MasterPassword,
	})
	templateStore := templates.NewStore(templateRepo)

	var locker deploy.Locker = deploy.NewMemoryLocker()
	if cfg.Deployments.LockBackend == "redis" && deps.Redis != nil {
		locker = deploy.NewRedisLocker(deps.Redis)
	}
	engine := deploy.NewEngine(deploy.Deps{
		Instances:   registry,
		Templates:   templateStore,
		Deployments: deploymentRepo,
		Locker:      locker,
	}, deploy.Options{
		LockTTL:         cfg.Deployments.LockTTL,
		StaleAfter:      cfg.Deployments.StaleAfter,
		AutomationModel: cfg.Deployments.AutomationModel,
	})
	slog.Info("deployment engine ready", "lock_backend", cfg.Deployments.LockBackend)

	bg := &BackgroundServices{engine: engine}

	bg.healthChecker = jobs.NewHealthChecker(registry, cfg.Jobs.HealthCheckInterval, 0)
	bg.healthChecker.Start(context.Background())
	bg.reaper = jobs.NewStaleDeploymentReaper(engine, cfg.Jobs.ReaperInterval)
	bg.reaper.Start(context.Background())

	var limiter middleware.Limiter
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			BurstSize:         cfg.Security.RateLimiting.Burst,
			CleanupInterval:   5 * time.Minute,
		}
		if deps.Redis != nil {
			limiter = middleware.NewRedisRateLimiter(deps.Redis, rlCfg)
		} else {
			rl := middleware.NewRateLimiter(rlCfg)
			bg.rateLimiter = rl
			limiter = rl
		}
	}

	router := newRouter(cfg, Services{
		DB:          deps.DB,
		Storage:     deps.Storage,
		Verifier:    auth.NewVerifier(auth.GetJWTSecret(), cfg.Auth.Issuer, cfg.Auth.Audience),
		Limiter:     limiter,
		Deployments: engine,
		Instances:   registry,
		Templates:   templateStore,
		Versions:    merge.NewEngine(templateStore),
	})
	return router, bg
}

// newRouter registers middleware and routes on top of already built services
func newRouter(cfg *config.Config, svc Services) *gin.Engine {
	router := gin.New()

	// Order matters: request id first so every later log line carries it,
	// metrics before recovery so panics are counted as 500s.
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(svc.DB))
	router.GET("/ready", readinessHandler(svc.DB, svc.Storage))
	router.GET("/version", versionHandler())

	deployments := handlers.NewDeploymentHandlers(svc.Deployments)
	instanceHandlers := handlers.NewInstanceHandlers(svc.Instances)
	templateHandlers := handlers.NewTemplateHandlers(svc.Templates, svc.Versions)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(svc.Verifier))
	if svc.Limiter != nil {
		v1.Use(middleware.RateLimitMiddleware(svc.Limiter))
	}

	readInstances := middleware.RequireScope(auth.ScopeInstancesRead)
	manageInstances := middleware.RequireScope(auth.ScopeInstancesManage)
	readTemplates := middleware.RequireScope(auth.ScopeTemplatesRead)
	writeTemplates := middleware.RequireScope(auth.ScopeTemplatesWrite)
	readDeployments := middleware.RequireScope(auth.ScopeDeploymentsRead)
	writeDeployments := middleware.RequireScope(auth.ScopeDeploymentsWrite)

	// Deployments
	v1.POST("/deployments", writeDeployments, deployments.CreateDeployment)
	v1.GET("/deployments/:id", readDeployments, deployments.GetDeployment)
	v1.GET("/deployments/:id/logs", readDeployments, deployments.GetDeploymentLogs)
	v1.POST("/deployments/:id/rollback", writeDeployments, deployments.RollbackDeployment)
	v1.POST("/deployments/:id/cancel", writeDeployments, deployments.CancelDeployment)

	// Instances
	v1.POST("/instances", manageInstances, instanceHandlers.RegisterInstance)
	v1.GET("/instances", readInstances, instanceHandlers.ListInstances)
	v1.GET("/instances/:id", readInstances, instanceHandlers.GetInstance)
	v1.PUT("/instances/:id/credentials", manageInstances, instanceHandlers.UpdateCredentials)
	v1.POST("/instances/:id/health-check", readInstances, instanceHandlers.HealthCheck)
	v1.POST("/instances/:id/backups", manageInstances, instanceHandlers.CreateBackup)
	v1.GET("/instances/:id/backups", readInstances, instanceHandlers.ListBackups)
	v1.GET("/instances/:id/deployments", middleware.RequireAnyScope(auth.ScopeDeploymentsRead, auth.ScopeInstancesRead), deployments.ListInstanceDeployments)
	v1.GET("/backups/:id/download", manageInstances, instanceHandlers.DownloadBackup)

	// Templates, versions, branches and merges
	v1.GET("/templates", readTemplates, templateHandlers.ListTemplates)
	v1.POST("/templates", writeTemplates, templateHandlers.CreateTemplate)
	v1.POST("/templates/versions/merge", writeTemplates, templateHandlers.MergeVersions)
	v1.GET("/templates/versions/compare", readTemplates, templateHandlers.CompareVersions)
	v1.GET("/templates/versions/:version_id", readTemplates, templateHandlers.GetVersion)
	v1.GET("/templates/:id", readTemplates, templateHandlers.GetTemplate)
	v1.POST("/templates/:id/versions", writeTemplates, templateHandlers.CreateVersion)
	v1.GET("/templates/:id/versions", readTemplates, templateHandlers.ListVersions)
	v1.POST("/templates/:id/branches", writeTemplates, templateHandlers.CreateBranch)
	v1.GET("/templates/:id/branches", readTemplates, templateHandlers.GetBranches)

	return router
}

// healthCheckHandler is the liveness probe
// GET /health
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the backup storage so
// that a readiness gate fails when self-hosted backups would error.
// GET /ready
func readinessHandler(db Pinger, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if storageBackend != nil {
			// A known-absent key exercises credentials and connectivity without writing.
			if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
				checks["storage"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "storage backend not ready",
				})
				return
			}
			checks["storage"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version
// GET /version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The output format
// follows the global slog handler set up by telemetry.SetupLogger.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	skip := map[string]bool{"/health": true, "/ready": true}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if skip[path] && c.Writer.Status() < http.StatusInternalServerError {
			return
		}

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.RequestIDFromContext(c.Request.Context())),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PUT, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
