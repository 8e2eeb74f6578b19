package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/docshare/vault/internal/database"
	"github.com/docshare/vault/internal/middleware"
	"github.com/docshare/vault/internal/models"
	"github.com/docshare/vault/internal/services"
	"github.com/docshare/vault/internal/storage"
	"github.com/docshare/vault/pkg/logger"
	"github.com/docshare/vault/pkg/utils"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testEnv struct {
	app        *fiber.App
	db         *gorm.DB
	tree       *services.TreeService
	orgs       *services.OrganizationService
	pipeline   *services.Pipeline
	org        *models.Organization
	collection *models.Collection
	user       *models.User
	token      string
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.SetOutput(io.Discard)
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating schema: %v", err)
	}

	accounting := services.NewAccountingService(db)
	tree := services.NewTreeService(db, accounting)
	orgs := services.NewOrganizationService(db, tree, 1<<30)
	chunks := storage.NewChunkStore(t.TempDir())
	content := storage.NewLocalContentStore(t.TempDir())
	deposits := services.NewDepositService(db, tree, orgs, chunks)
	pipeline := services.NewPipeline(db, tree, chunks, content, time.Hour, 0)

	app := fiber.New(fiber.Config{BodyLimit: 10 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS("*"))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	RegisterRoutes(app, Services{DB: db, Tree: tree, Orgs: orgs, Deposits: deposits})

	env := &testEnv{app: app, db: db, tree: tree, orgs: orgs, pipeline: pipeline}
	env.org, env.collection = createTestOrganization(t, orgs, "Test Archive", "Web Crawls")
	env.user, env.token = createTestUser(t, db, "archivist", env.org)
	return env
}

func createTestOrganization(t *testing.T, orgs *services.OrganizationService, name, collectionName string) (*models.Organization, *models.Collection) {
	t.Helper()

	org, err := orgs.CreateOrganization(context.Background(), name, 0)
	if err != nil {
		t.Fatalf("failed creating organization: %v", err)
	}
	collection, err := orgs.CreateCollection(context.Background(), org.ID, collectionName)
	if err != nil {
		t.Fatalf("failed creating collection: %v", err)
	}
	return org, collection
}

func createTestUser(t *testing.T, db *gorm.DB, username string, org *models.Organization) (*models.User, string) {
	t.Helper()

	user := &models.User{Username: username, Email: username + "@example.org"}
	if org != nil {
		user.OrganizationID = &org.ID
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user.ID, user.Username, user.OrganizationID)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}
	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

// performChunkUpload posts one flow.js chunk as multipart form data.
func performChunkUpload(t *testing.T, app *fiber.App, token, flow string, number, total int, totalSize int64, data []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		"flowIdentifier":  flow,
		"flowChunkNumber": strconv.Itoa(number),
		"flowTotalChunks": strconv.Itoa(total),
		"flowTotalSize":   strconv.FormatInt(totalSize, 10),
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed writing form field: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", "blob")
	if err != nil {
		t.Fatalf("failed creating form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed writing chunk data: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed closing multipart writer: %v", err)
	}

	headers := authHeaders(token)
	headers["Content-Type"] = writer.FormDataContentType()
	return performRequest(t, app, http.MethodPost, "/api/flow/chunk", &body, headers)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %+v", body)
	}
	return data
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d body=%q", expected, resp.StatusCode, string(raw))
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}
