package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/auth"
	"github.com/babyshoot/api/internal/bootstrap"
	"github.com/babyshoot/api/internal/cache"
	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/handler"
	"github.com/babyshoot/api/internal/logging"
	"github.com/babyshoot/api/internal/middleware"
	"github.com/babyshoot/api/internal/observability"
	"github.com/babyshoot/api/internal/server"
	"github.com/babyshoot/api/internal/service"
	"github.com/babyshoot/api/internal/worker"
	ws "github.com/babyshoot/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("production", "info")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.Server.Env, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, &cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	// Initialize WebSocket hub
	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	svc, err := bootstrap.Build(ctx, cfg, hub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize services")
	}
	defer svc.Close()

	go cache.RunJanitor(ctx, svc.Cache, cfg.Cache.CleanupInterval, logging.Component(logger, "cache"))

	// Background work needs Redis; without it webhooks reconcile inline and
	// the sweep only runs when the cron endpoint is called.
	var (
		enqueuer service.TaskEnqueuer
		runner   *worker.Runner
	)
	if svc.Redis != nil {
		asynqClient := asynq.NewClient(worker.RedisOpt(&cfg.Redis))
		defer asynqClient.Close()
		enqueuer = asynqClient

		runner = worker.NewRunner(cfg, svc.Reconciler, svc.Sweeper, logger)
		if err := runner.Start(); err != nil {
			logger.Error().Err(err).Msg("asynq worker not started")
			runner = nil
		}
	}
	dispatcher := service.NewReconcileDispatcher(enqueuer, svc.Reconciler, logger)

	verifiers, apiAuth, eventsAuth := setupAuth(cfg, logger)
	defer verifiers.Close()

	if cfg.Cron.Secret == "" {
		logger.Warn().Msg("CRON_SECRET not set, /api/cron/sweep is open")
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn().Msg("ASTRIA_WEBHOOK_SECRET not set, /webhooks/astria is open")
	}

	app := server.NewApp(server.Deps{
		Config:      cfg,
		Sessions:    svc.Sessions,
		Reconciler:  svc.Reconciler,
		Sweeper:     svc.Sweeper,
		Dispatcher:  dispatcher,
		Hub:         hub,
		Auth:        apiAuth,
		EventsAuth:  eventsAuth,
		AuthHandler: handler.NewAuthHandler(verifiers),
		RateLimiter: middleware.NewRateLimiter(svc.Redis, logger),
		Health: func() fiber.Map {
			return fiber.Map{
				"astria":  svc.Jobs.IsConfigured(),
				"storage": svc.Storage != nil,
				"redis":   svc.Redis != nil,
				"worker":  runner != nil,
				"auth":    len(verifiers) > 0 || cfg.Gateway.Enabled,
			}
		},
		Logger:     logger,
		RequestLog: logging.ParseLevel(cfg.Server.LogLevel) <= zerolog.DebugLevel,
	})

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info().Str("addr", addr).Str("store", cfg.Database.Driver).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	if runner != nil {
		runner.Shutdown()
	}
	logger.Info().Msg("server stopped")
}

// setupAuth builds the token verifiers and the route guards. Supabase JWKS
// is tried first, the shared secret second. In gateway mode the routes
// trust the X-User-* headers set by ForwardAuth.
func setupAuth(cfg *config.Config, logger zerolog.Logger) (auth.Chain, fiber.Handler, fiber.Handler) {
	var verifiers auth.Chain
	if cfg.Supabase.URL != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Supabase)
		if err != nil {
			logger.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			verifiers = append(verifiers, jwksVerifier)
		}
	}
	if cfg.JWT.Secret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.JWT.Secret, cfg.Supabase.Audience))
	}

	if cfg.Gateway.Enabled {
		logger.Info().Msg("gateway mode enabled, using header-based auth")
		gateway := middleware.GatewayAuthMiddleware()
		return verifiers, gateway, gateway
	}

	if len(verifiers) == 0 {
		logger.Warn().Msg("no token verifier configured, authenticated routes will reject every request")
	}
	var verifier auth.TokenVerifier
	if len(verifiers) > 0 {
		verifier = verifiers
	}
	authMiddleware := middleware.NewAuthMiddleware(verifier)
	return verifiers, authMiddleware.Authenticate(), authMiddleware.AuthenticateWebSocket()
}
