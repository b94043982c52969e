package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier defines the interface for JWT token verification
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the Supabase access token claims we rely on. The user ID is
// the standard subject.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the Supabase user ID.
func (c *Claims) UserID() string {
	return c.Subject
}

func checkAudience(claims *Claims, audience string) error {
	if audience == "" {
		return nil
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("failed to get audience: %w", err)
	}
	for _, a := range aud {
		if a == audience {
			return nil
		}
	}
	return fmt.Errorf("invalid audience")
}
