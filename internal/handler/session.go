package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/babyshoot/api/internal/middleware"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/pkg/response"
)

// SessionReader is the owner-scoped session API.
type SessionReader interface {
	Get(ctx context.Context, ownerID, sessionID string) (*model.Session, error)
	List(ctx context.Context, ownerID string) ([]model.Session, error)
	Images(ctx context.Context, ownerID, sessionID string) ([]model.Artifact, error)
	Authorize(ctx context.Context, ownerID, sessionID string) (*model.Session, error)
	StartGeneration(ctx context.Context, ownerID, sessionID, generationJobID string) (*model.Session, error)
	Delete(ctx context.Context, ownerID, sessionID string) error
}

type SessionHandler struct {
	sessions  SessionReader
	validator *validator.Validate
}

func NewSessionHandler(sessions SessionReader, v *validator.Validate) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		validator: v,
	}
}

// List handles GET /api/sessions
func (h *SessionHandler) List(c *fiber.Ctx) error {
	sessions, err := h.sessions.List(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	return response.OK(c, fiber.Map{"sessions": sessions})
}

// Get handles GET /api/sessions/:sessionId
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	session, err := h.sessions.Get(c.UserContext(), middleware.GetUserID(c), c.Params("sessionId"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return response.OK(c, session)
}

// Images handles GET /api/sessions/:sessionId/images
func (h *SessionHandler) Images(c *fiber.Ctx) error {
	images, err := h.sessions.Images(c.UserContext(), middleware.GetUserID(c), c.Params("sessionId"))
	if err != nil {
		return writeServiceError(c, err)
	}
	return response.OK(c, fiber.Map{"images": images})
}

// Generate handles POST /api/sessions/:sessionId/generate. The frontend
// starts the remote job and reports its id here.
func (h *SessionHandler) Generate(c *fiber.Ctx) error {
	var req model.StartGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	session, err := h.sessions.StartGeneration(c.UserContext(), middleware.GetUserID(c), c.Params("sessionId"), req.GenerationJobID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return response.Accepted(c, session)
}

// Delete handles DELETE /api/sessions/:sessionId
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if err := h.sessions.Delete(c.UserContext(), middleware.GetUserID(c), c.Params("sessionId")); err != nil {
		return writeServiceError(c, err)
	}
	return response.NoContent(c)
}

// AuthorizeEvents lets only the session owner subscribe to its events.
func (h *SessionHandler) AuthorizeEvents(c *fiber.Ctx) error {
	if _, err := h.sessions.Authorize(c.UserContext(), middleware.GetUserID(c), c.Params("sessionId")); err != nil {
		return writeServiceError(c, err)
	}
	return c.Next()
}
