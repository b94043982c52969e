package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/babyshoot/api/internal/config"
)

// JWKSVerifier verifies asymmetrically signed Supabase tokens against the
// project's published signing keys.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	cancel   context.CancelFunc
	issuer   string
	audience string
}

// NewJWKSVerifier creates a verifier for the project at cfg.URL.
func NewJWKSVerifier(cfg *config.SupabaseConfig) (*JWKSVerifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	base := strings.TrimRight(cfg.URL, "/")
	jwksURL := base + "/auth/v1/.well-known/jwks.json"

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = base + "/auth/v1"
	}

	// ctx bounds the keyfunc refresh goroutine; it lives until Close.
	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		cancel:   cancel,
		issuer:   issuer,
		audience: cfg.Audience,
	}, nil
}

// Validate validates a JWT token and returns the claims
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if err := checkAudience(claims, v.audience); err != nil {
		return nil, err
	}
	return claims, nil
}

// Close stops the background key refresh.
func (v *JWKSVerifier) Close() error {
	v.cancel()
	return nil
}
