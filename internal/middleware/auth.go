package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/babyshoot/api/internal/auth"
	"github.com/babyshoot/api/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	verifier auth.TokenVerifier
}

// NewAuthMiddleware creates auth middleware backed by verifier. A nil
// verifier rejects every request.
func NewAuthMiddleware(verifier auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c)
		if !ok {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}
		return m.verify(c, tokenString)
	}
}

// AuthenticateWebSocket also accepts the token as ?token=, since browsers
// cannot set headers on a websocket handshake.
func (m *AuthMiddleware) AuthenticateWebSocket() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c)
		if !ok {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return response.Unauthorized(c, "Missing token")
		}
		return m.verify(c, tokenString)
	}
}

func (m *AuthMiddleware) verify(c *fiber.Ctx, tokenString string) error {
	if m.verifier == nil {
		return response.Unauthorized(c, "Authentication not configured")
	}

	claims, err := m.verifier.Validate(tokenString)
	if err != nil {
		return response.Unauthorized(c, "Invalid or expired token")
	}

	c.Locals("userId", claims.UserID())
	c.Locals("email", claims.Email)
	c.Locals("role", claims.Role)
	c.Locals("claims", claims)
	return c.Next()
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
