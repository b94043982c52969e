package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/babyshoot/api/pkg/response"
)

// CronAuth guards scheduler-triggered endpoints with a shared bearer
// secret. An empty secret leaves the endpoint open.
func CronAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		token, ok := bearerToken(c)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return response.Unauthorized(c, "Invalid cron secret")
		}
		return c.Next()
	}
}

// QueryTokenAuth checks a shared secret passed as ?token=. Used by
// webhook callbacks, which cannot set headers. An empty secret leaves the
// endpoint open.
func QueryTokenAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		token := c.Query("token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return response.Unauthorized(c, "Invalid webhook token")
		}
		return c.Next()
	}
}
