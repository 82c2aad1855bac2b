package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/internal/api/handlers"
	"github.com/lfrfrfr/beon-ipshield/internal/api/middleware"
	"github.com/lfrfrfr/beon-ipshield/internal/app"
	"github.com/lfrfrfr/beon-ipshield/internal/config"
	"github.com/lfrfrfr/beon-ipshield/internal/metrics"
	pkglogger "github.com/lfrfrfr/beon-ipshield/pkg/logger"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "./configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := pkglogger.Init(pkglogger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer pkglogger.Sync()

	pkglogger.Info("Starting BEON-IPShield",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("environment", cfg.Env))
	metrics.SystemInfo.WithLabelValues(version, runtime.Version()).Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.Build(ctx, cfg)
	if err != nil {
		pkglogger.Fatal(fmt.Sprintf("Failed to build engine: %v", err))
	}
	defer func() {
		if err := engine.Close(); err != nil {
			pkglogger.Error(fmt.Sprintf("Failed to release resources: %v", err))
		}
	}()

	if cfg.Scheduler.Enabled {
		if err := engine.Scheduler.Start(ctx); err != nil {
			pkglogger.Fatal(fmt.Sprintf("Failed to start scheduler: %v", err))
		}
	} else {
		pkglogger.Info("Lifecycle scheduler is disabled")
	}

	// Create Fiber app
	server := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ProxyHeader:  cfg.Server.ProxyHeader,
		AppName:      "BEON-IPShield v" + version,
		// Disable startup message in production
		DisableStartupMessage: cfg.Env == "production",
	})

	setupMiddleware(server, cfg, engine)
	setupRoutes(server, cfg, engine)

	// Start server
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		pkglogger.Info(fmt.Sprintf("API Server listening on %s", addr))
		if err := server.Listen(addr); err != nil {
			pkglogger.Fatal(fmt.Sprintf("Server failed to start: %v", err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	pkglogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		pkglogger.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}
	cancel()

	pkglogger.Info("Server exited gracefully")
}

func setupMiddleware(server *fiber.App, cfg *config.Config, engine *app.App) {
	server.Use(recover.New())
	server.Use(middleware.RequestLogger())

	if cfg.Metrics.Enabled {
		server.Use(middleware.RequestMetrics())
	}

	// Refuse traffic from blocked addresses before anything else runs
	if cfg.API.BlockGuard {
		server.Use(middleware.BlockGuard(engine.Blocker, cfg.Health.Path, cfg.Metrics.Path))
	}

	if cfg.API.CORS.Enabled {
		server.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.API.CORS.AllowOrigins, ", "),
			AllowMethods: strings.Join(cfg.API.CORS.AllowMethods, ", "),
			AllowHeaders: strings.Join(cfg.API.CORS.AllowHeaders, ", "),
		}))
	}

	if cfg.API.RateLimit > 0 {
		server.Use(limiter.New(limiter.Config{
			Max:        cfg.API.RateLimit,
			Expiration: cfg.API.RateLimitWindow,
			KeyGenerator: func(c *fiber.Ctx) string {
				// Use API key if available, otherwise use IP
				if apiKey := c.Get("X-API-Key"); apiKey != "" {
					return apiKey
				}
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please try again later.",
				})
			},
		}))
	}
}

func setupRoutes(server *fiber.App, cfg *config.Config, engine *app.App) {
	opts := []handlers.Option{handlers.WithExporter(engine.Compiler)}
	if engine.MMDB != nil {
		opts = append(opts, handlers.WithReloader(engine.MMDB))
	}
	for name, check := range engine.HealthChecks() {
		opts = append(opts, handlers.WithHealthCheck(name, handlers.HealthCheck(check)))
	}
	h := handlers.New(engine.Blocker, version, opts...)

	// Health check endpoint (no auth required)
	if cfg.Health.Enabled {
		server.Get(cfg.Health.Path, h.HealthCheck())
	}

	// Prometheus metrics endpoint (no auth required)
	if cfg.Metrics.Enabled {
		server.Get(cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
	}

	// API v1 routes
	v1 := server.Group("/api/v1")
	if cfg.API.AuthEnabled {
		v1.Use(middleware.APIKeyAuth(cfg.API.APIKeys))
	}
	h.Register(v1)

	// 404 handler
	server.Use(handlers.NotFound())
}
