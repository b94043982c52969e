package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/babyshoot/api/internal/service"
	"github.com/babyshoot/api/pkg/response"
)

// writeServiceError maps service sentinels onto the error envelope.
func writeServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return response.NotFound(c, "Session not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, "Session belongs to another user")
	case errors.Is(err, service.ErrInvalidState):
		return response.Conflict(c, err.Error())
	case errors.Is(err, service.ErrRemote):
		return response.RemoteError(c, "Job status service unavailable")
	case errors.Is(err, service.ErrPersistence):
		return response.PersistenceError(c, "Failed to persist session state")
	}
	return response.ServiceError(c, "Internal error")
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
