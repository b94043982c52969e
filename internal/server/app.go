// Package server assembles the fiber application.
package server

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/handler"
	"github.com/babyshoot/api/internal/middleware"
	ws "github.com/babyshoot/api/internal/websocket"
	"github.com/babyshoot/api/pkg/response"
)

// Deps are the collaborators the routes are wired to.
type Deps struct {
	Config      *config.Config
	Sessions    handler.SessionReader
	Reconciler  handler.Reconciler
	Sweeper     handler.Sweeper
	Dispatcher  handler.Dispatcher
	Hub         *ws.Hub
	Auth        fiber.Handler
	EventsAuth  fiber.Handler // websocket subscribers; defaults to Auth
	AuthHandler *handler.AuthHandler
	RateLimiter *middleware.RateLimiter
	Health      func() fiber.Map
	Logger      zerolog.Logger
	// RequestLog enables the fiber access log.
	RequestLog bool
}

// NewApp builds the fiber app with every route registered.
func NewApp(d Deps) *fiber.App {
	validate := validator.New()

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler(d.Logger),
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if d.RequestLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		body := fiber.Map{"status": "ok"}
		if d.Health != nil {
			body["services"] = d.Health()
		}
		return c.JSON(body)
	})

	if d.AuthHandler != nil {
		app.Get("/auth/verify", d.AuthHandler.Verify)
	}

	sessionHandler := handler.NewSessionHandler(d.Sessions, validate)
	reconcileHandler := handler.NewReconcileHandler(d.Sessions, d.Reconciler, d.Sweeper, d.Dispatcher, validate, d.Logger)

	// Cron routes are outside the user auth group.
	cron := app.Group("/api/cron", middleware.CronAuth(d.Config.Cron.Secret))
	cron.Get("/sweep", reconcileHandler.Sweep)
	cron.Post("/sweep", reconcileHandler.Sweep)

	app.Post("/webhooks/astria", middleware.QueryTokenAuth(d.Config.Webhook.Secret), reconcileHandler.Webhook)

	api := app.Group("/api", d.Auth)

	sessions := api.Group("/sessions")
	sessions.Get("/", sessionHandler.List)
	sessions.Get("/:sessionId", sessionHandler.Get)
	sessions.Get("/:sessionId/images", sessionHandler.Images)
	sessions.Post("/:sessionId/generate", sessionHandler.Generate)
	sessions.Delete("/:sessionId", sessionHandler.Delete)

	reconcile := []fiber.Handler{}
	if d.RateLimiter != nil {
		reconcile = append(reconcile, d.RateLimiter.ReconcileLimit(d.Config.RateLimit.ReconcilePerMin))
	}
	reconcile = append(reconcile, reconcileHandler.Reconcile)
	sessions.Post("/:sessionId/reconcile", reconcile...)

	if d.Hub != nil {
		app.Use("/ws", handler.UpgradeRequired)
		eventsAuth := d.EventsAuth
		if eventsAuth == nil {
			eventsAuth = d.Auth
		}
		app.Get("/ws/sessions/:sessionId", eventsAuth, sessionHandler.AuthorizeEvents, handler.SessionEvents(d.Hub))
	}

	return app
}

func errorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
			message = e.Message
		} else {
			log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		}

		errCode := response.CodeServiceError
		switch code {
		case fiber.StatusNotFound:
			errCode = response.CodeNotFound
		case fiber.StatusUnauthorized:
			errCode = response.CodeUnauthorized
		}
		return response.Error(c, code, errCode, message, nil)
	}
}
