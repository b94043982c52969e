package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/middleware"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/pkg/response"
)

// Reconciler brings one session in line with its remote job.
type Reconciler interface {
	Reconcile(ctx context.Context, sessionID string) (*model.ReconcileResult, error)
}

// Sweeper reconciles every session with outstanding remote work.
type Sweeper interface {
	SweepAll(ctx context.Context) (*model.SweepResult, error)
}

// Dispatcher queues a reconcile, or runs it inline when no queue is available.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string) (bool, *model.ReconcileResult, error)
}

type ReconcileHandler struct {
	sessions   SessionReader
	reconciler Reconciler
	sweeper    Sweeper
	dispatcher Dispatcher
	validator  *validator.Validate
	logger     zerolog.Logger
}

func NewReconcileHandler(
	sessions SessionReader,
	reconciler Reconciler,
	sweeper Sweeper,
	dispatcher Dispatcher,
	v *validator.Validate,
	logger zerolog.Logger,
) *ReconcileHandler {
	return &ReconcileHandler{
		sessions:   sessions,
		reconciler: reconciler,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		validator:  v,
		logger:     logger.With().Str("component", "reconcile_handler").Logger(),
	}
}

// Reconcile handles POST /api/sessions/:sessionId/reconcile
func (h *ReconcileHandler) Reconcile(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	ctx := c.UserContext()
	if _, err := h.sessions.Authorize(ctx, middleware.GetUserID(c), sessionID); err != nil {
		return writeServiceError(c, err)
	}

	result, err := h.reconciler.Reconcile(ctx, sessionID)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", sessionID).Msg("reconcile failed")
		return writeServiceError(c, err)
	}
	return response.OK(c, result)
}

// Sweep handles GET|POST /api/cron/sweep
func (h *ReconcileHandler) Sweep(c *fiber.Ctx) error {
	result, err := h.sweeper.SweepAll(c.UserContext())
	if err != nil {
		h.logger.Error().Err(err).Msg("sweep failed")
		return writeServiceError(c, err)
	}
	return response.OK(c, result)
}

// Webhook handles POST /webhooks/astria. The remote service calls back when
// a job changes state; the session is reconciled asynchronously.
func (h *ReconcileHandler) Webhook(c *fiber.Ctx) error {
	var req model.AstriaWebhookRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}
	if req.SessionID == "" {
		req.SessionID = c.Query("session_id")
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	queued, result, err := h.dispatcher.Dispatch(c.UserContext(), req.SessionID)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("webhook reconcile failed")
		return writeServiceError(c, err)
	}

	body := fiber.Map{"queued": queued}
	if result != nil {
		body["result"] = result
	}
	return response.Accepted(c, body)
}
