package server

import (
	"net/http/cookiejar"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/mansoorceksport/atomic-funnel/internal/config"
	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/handler"
	"github.com/mansoorceksport/atomic-funnel/internal/infrastructure/storefront"
	"github.com/mansoorceksport/atomic-funnel/internal/middleware"
	"github.com/mansoorceksport/atomic-funnel/internal/repository"
	"github.com/mansoorceksport/atomic-funnel/internal/service"
	"github.com/mansoorceksport/atomic-funnel/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// AppDependencies holds the dependencies required to start the application
type AppDependencies struct {
	Config      *config.Config
	MongoDB     *mongo.Database // Optional; attempts are not recorded without it
	RedisClient *redis.Client
	Logger      *zap.Logger
}

// NewApp creates and configures the Fiber application with the given dependencies
func NewApp(deps AppDependencies) *fiber.App {
	cfg := deps.Config
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	// Initialize repositories
	cacheRepo := repository.NewRedisCacheRepository(deps.RedisClient)
	var ledger domain.AttemptRepository
	if deps.MongoDB != nil {
		ledger = repository.NewMongoAttemptRepository(deps.MongoDB)
	}

	// Upstream storefront
	storefrontClient := storefront.NewClient(storefront.Config{
		BaseURL: cfg.Storefront.BaseURL,
		Timeout: cfg.Storefront.Timeout,
	}, log.Named("storefront"))

	// Initialize services
	catalogService := service.NewCatalogService(storefrontClient, cacheRepo, service.CatalogConfig{
		Segment:          cfg.Funnel.TargetSegment,
		SnapshotTTL:      cfg.Funnel.SnapshotTTL,
		FailureThreshold: uint32(cfg.Funnel.BreakerThreshold),
		OpenTimeout:      cfg.Funnel.BreakerOpen,
	}, log.Named("catalog"))

	var observers []service.Observer
	funnelMetrics, err := telemetry.NewFunnelMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Warn("Failed to create funnel metrics", zap.Error(err))
	} else {
		observers = append(observers, funnelMetrics.Observe)
	}

	orchestratorLog := log.Named("orchestrator")
	sessions := service.NewSessionRegistry(func(sessionID string) *service.Orchestrator {
		// Each session talks to the storefront with its own cookies
		gateway := storefrontClient
		if jar, err := cookiejar.New(nil); err == nil {
			gateway = storefrontClient.WithJar(jar)
		}
		return service.NewOrchestrator(service.OrchestratorConfig{
			SessionID:   sessionID,
			UTMSource:   cfg.Funnel.UTMSource,
			CallTimeout: cfg.Funnel.CallTimeout,
		}, gateway, ledger, orchestratorLog, observers...)
	}, cfg.Funnel.SessionTTL, log.Named("sessions"))

	// Initialize handlers
	pricingHandler := handler.NewPricingHandler(catalogService, log)
	funnelHandler := handler.NewFunnelHandler(catalogService, sessions, log)
	attemptHandler := handler.NewAttemptHandler(ledger, cfg.Funnel.UTMSource, log)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Atomic Funnel API",
		BodyLimit:    64 * 1024,
		ErrorHandler: customErrorHandler(log),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowHeaders:     "Origin, Content-Type, Accept, X-Correlation-ID",
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: cfg.Server.AllowedOrigins != "*",
	}))
	app.Use(telemetry.FiberMiddleware())

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "healthy",
			"service":  "atomic-funnel",
			"catalog":  catalogService.BreakerState().String(),
			"sessions": sessions.Len(),
		})
	})

	// API v1 routes
	v1 := app.Group("/v1")
	v1.Use(middleware.FunnelSession(middleware.SessionConfig{
		Secret:    cfg.Session.Secret,
		TTL:       cfg.Session.CookieTTL,
		UTMSource: cfg.Funnel.UTMSource,
		Secure:    cfg.Session.SecureCookie,
	}))

	v1.Get("/plans", pricingHandler.ListPlans)

	funnel := v1.Group("/funnel")
	funnel.Use(middleware.IdempotencyMiddleware(deps.RedisClient, cfg.Server.IdempotencyTTL))
	funnel.Get("/state", funnelHandler.State)
	funnel.Post("/select", funnelHandler.Select)
	funnel.Post("/register", funnelHandler.Register)
	funnel.Post("/login", funnelHandler.Login)
	funnel.Post("/cancel", funnelHandler.Cancel)
	funnel.Get("/history", attemptHandler.History)

	v1.Get("/campaign/stats", attemptHandler.Stats)

	// Idle session janitor lives as long as the app
	sessions.Start(cfg.Funnel.SessionTTL / 2)
	app.Hooks().OnShutdown(func() error {
		sessions.Stop()
		return nil
	})

	return app
}

func customErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		log.Error("Request failed",
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		)
		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
}
