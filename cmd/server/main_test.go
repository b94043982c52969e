package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/auth"
	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/middleware"
)

func whoami(c *fiber.Ctx) error {
	return c.SendString(middleware.GetUserID(c))
}

func get(t *testing.T, app *fiber.App, target string, headers map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestSetupAuth_SharedSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.JWT.Secret = "server-test-secret"
	cfg.Supabase.Audience = "authenticated"

	verifiers, apiAuth, eventsAuth := setupAuth(cfg, zerolog.Nop())
	defer verifiers.Close()
	if len(verifiers) != 1 {
		t.Fatalf("verifiers = %d, want 1", len(verifiers))
	}

	app := fiber.New()
	app.Get("/api", apiAuth, whoami)
	app.Get("/ws", eventsAuth, whoami)

	token, err := auth.SignHMAC(cfg.JWT.Secret, "u1", "u1@example.com", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if status, body := get(t, app, "/api", map[string]string{"Authorization": "Bearer " + token}); status != http.StatusOK || body != "u1" {
		t.Errorf("api: status=%d body=%q", status, body)
	}
	if status, _ := get(t, app, "/api?token="+token, nil); status != http.StatusUnauthorized {
		t.Errorf("api query token: status = %d, want 401", status)
	}
	if status, body := get(t, app, "/ws?token="+token, nil); status != http.StatusOK || body != "u1" {
		t.Errorf("ws query token: status=%d body=%q", status, body)
	}
}

func TestSetupAuth_GatewayTrustsForwardedHeaders(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.Enabled = true

	verifiers, apiAuth, eventsAuth := setupAuth(cfg, zerolog.Nop())
	if len(verifiers) != 0 {
		t.Errorf("verifiers = %d, want 0", len(verifiers))
	}

	app := fiber.New()
	app.Get("/api", apiAuth, whoami)
	app.Get("/ws", eventsAuth, whoami)

	for _, path := range []string{"/api", "/ws"} {
		if status, body := get(t, app, path, map[string]string{"X-User-Id": "u2"}); status != http.StatusOK || body != "u2" {
			t.Errorf("%s: status=%d body=%q", path, status, body)
		}
		if status, _ := get(t, app, path, nil); status != http.StatusUnauthorized {
			t.Errorf("%s without headers: status = %d, want 401", path, status)
		}
	}
}

func TestSetupAuth_NothingConfiguredRejects(t *testing.T) {
	verifiers, apiAuth, _ := setupAuth(&config.Config{}, zerolog.Nop())
	if len(verifiers) != 0 {
		t.Errorf("verifiers = %d, want 0", len(verifiers))
	}

	app := fiber.New()
	app.Get("/api", apiAuth, whoami)
	if status, _ := get(t, app, "/api", map[string]string{"Authorization": "Bearer x"}); status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}
