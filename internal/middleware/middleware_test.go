package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/pkg/logger"
	"github.com/docshare/vault/pkg/utils"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupMiddlewareTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger.SetOutput(io.Discard)
	utils.ConfigureJWT("middleware-test-secret", 24)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite: %v", err)
	}

	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.User{}); err != nil {
		t.Fatalf("failed automigrating: %v", err)
	}
	return db
}

func createMiddlewareTestUser(t *testing.T, db *gorm.DB, username string, orgID *uuid.UUID) (*models.User, string) {
	t.Helper()
	user := &models.User{Username: username, OrganizationID: orgID}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}
	token, err := utils.GenerateToken(user.ID, user.Username, user.OrganizationID)
	if err != nil {
		t.Fatalf("failed generating token: %v", err)
	}
	return user, token
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("failed decoding body: %v body=%q", err, string(raw))
	}
	return body
}

func TestRequireAuth(t *testing.T) {
	db := setupMiddlewareTestDB(t)
	auth := NewAuthMiddleware(db)
	orgID := uuid.New()
	_, token := createMiddlewareTestUser(t, db, "archivist", &orgID)
	_, orphanToken := createMiddlewareTestUser(t, db, "orphan", nil)

	app := fiber.New()
	app.Get("/protected", auth.RequireAuth, func(c *fiber.Ctx) error {
		user := GetCurrentUser(c)
		return c.JSON(fiber.Map{"username": user.Username, "userID": c.Locals("userID")})
	})

	t.Run("missing authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		resp, _ := app.Test(req, 5000)
		body := decodeBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if body["error"] != "missing authorization header" {
			t.Fatalf("expected missing header error, got %v", body["error"])
		}
	})

	t.Run("invalid authorization format", func(t *testing.T) {
		for _, header := range []string{"Basic somecreds", "Bearer", "Bearer   "} {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			req.Header.Set("Authorization", header)
			resp, _ := app.Test(req, 5000)
			body := decodeBody(t, resp)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("%q: expected 401, got %d", header, resp.StatusCode)
			}
			if body["error"] != "invalid authorization format" {
				t.Fatalf("%q: expected invalid format error, got %v", header, body["error"])
			}
		}
	})

	t.Run("invalid JWT token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer invalid-jwt-token")
		resp, _ := app.Test(req, 5000)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("valid JWT token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, _ := app.Test(req, 5000)
		body := decodeBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if body["username"] != "archivist" || body["userID"] == "" {
			t.Fatalf("unexpected identity %+v", body)
		}
	})

	t.Run("user without an organization", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+orphanToken)
		resp, _ := app.Test(req, 5000)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("JWT for deleted user", func(t *testing.T) {
		gone, goneToken := createMiddlewareTestUser(t, db, "gone", &orgID)
		db.Unscoped().Delete(gone)

		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+goneToken)
		resp, _ := app.Test(req, 5000)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})
}

func TestGetCurrentUser_Missing(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		if GetCurrentUser(c) != nil {
			return c.SendStatus(http.StatusInternalServerError)
		}
		c.Locals(currentUserKey, "not a user")
		if GetCurrentUser(c) != nil {
			return c.SendStatus(http.StatusInternalServerError)
		}
		return c.SendStatus(http.StatusOK)
	})

	resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), 5000)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(io.Discard) })

	app := fiber.New()
	app.Use(RequestLogger())
	app.Use(SecurityLogger())
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/denied", func(c *fiber.Ctx) error {
		c.Locals("userID", "user-123")
		return c.SendStatus(http.StatusForbidden)
	})

	t.Run("every request is logged", func(t *testing.T) {
		buf.Reset()
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/ok", nil), 5000)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		out := buf.String()
		if !strings.Contains(out, "http_request") || strings.Contains(out, "access_denied") {
			t.Fatalf("unexpected log output %q", out)
		}
	})

	t.Run("denied requests are flagged", func(t *testing.T) {
		buf.Reset()
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/denied", nil), 5000)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
		out := buf.String()
		if !strings.Contains(out, "access_denied") || !strings.Contains(out, "user-123") {
			t.Fatalf("expected access_denied entry with user, got %q", out)
		}
	})
}
