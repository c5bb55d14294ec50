package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/rightsmatch/internal/client"
	"github.com/makeasinger/rightsmatch/internal/config"
	"github.com/makeasinger/rightsmatch/internal/handler"
	"github.com/makeasinger/rightsmatch/internal/logging"
	"github.com/makeasinger/rightsmatch/internal/matcher"
	"github.com/makeasinger/rightsmatch/internal/metrics"
	"github.com/makeasinger/rightsmatch/internal/middleware"
	"github.com/makeasinger/rightsmatch/internal/service"
	ws "github.com/makeasinger/rightsmatch/internal/websocket"
	"github.com/makeasinger/rightsmatch/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logging.New(cfg.Server.IsDevelopment(), cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zl.Warn("redis not available, rate limiting disabled until it is", zap.Error(err))
	}

	caches, err := service.NewCaches(cfg.Cache)
	if err != nil {
		zl.Fatal("failed to create caches", zap.Error(err))
	}

	// Initialize WebSocket hub
	hub := ws.NewHub(zl.Named("hub"))
	go hub.Run(ctx)

	catalogClient := client.NewCatalogClient(&cfg.Catalog, zl.Named("catalog"))
	engine := matcher.New(matcher.Options{Workers: cfg.Matcher.Workers})

	dispatcher := service.NewDispatcher(caches, catalogClient, hub, service.DispatcherOptions{
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		Matcher:           engine,
		Logger:            zl.Named("dispatcher"),
	})
	go dispatcher.Run(ctx)

	validate := validator.New()

	// Initialize handlers
	gateway := handler.NewGateway(dispatcher, validate, zl.Named("gateway"))
	artistHandler := handler.NewArtistHandler(dispatcher)
	healthHandler := handler.NewHealthHandler(redisClient, dispatcher)

	rateLimiter := middleware.NewRateLimiter(redisClient, zl.Named("ratelimit"))

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	app.Get("/health", healthHandler.Check)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	// API routes
	api := app.Group("/api")
	api.Get("/workers", artistHandler.Workers)

	artists := api.Group("/artists/:artistId")
	artists.Post("/process", rateLimiter.ProcessLimit(cfg.RateLimit.ProcessPerMin), artistHandler.Process)
	artists.Get("/result", artistHandler.Result)

	// WebSocket route; requesters and workers share one endpoint
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(ctx, c, gateway)
	}))

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zl.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zl.Error("server shutdown error", zap.Error(err))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	if cfg.TLS.Enabled() {
		zl.Info("server starting with TLS", zap.String("addr", addr))
		err = app.ListenTLS(addr, cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		zl.Info("server starting", zap.String("addr", addr))
		err = app.Listen(addr)
	}
	if err != nil {
		zl.Fatal("server error", zap.Error(err))
	}

	dispatcher.Wait()
	gateway.Wait()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
