package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/store"
)

// Test that authMiddleware rejects requests with no bearer authorization
// header when auth is enabled.
func TestAuthMiddleware_MissingBearer(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.Enabled = true

	st := &store.Store{}

	app := fiber.New()
	app.Use(authMiddleware(cfg, st))
	app.Get("/protected", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

// Test that authMiddleware is a no-op when auth is disabled.
func TestAuthMiddleware_Disabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.Enabled = false

	st := &store.Store{}

	app := fiber.New()
	app.Use(authMiddleware(cfg, st))
	app.Get("/protected", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// Test that adminOnlyMiddleware rejects a non-admin principal.
func TestAdminOnlyMiddleware_Forbidden(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("principal", Principal{IsSystemAdmin: false})
		return c.Next()
	})
	app.Use(adminOnlyMiddleware)
	app.Get("/admin", func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
