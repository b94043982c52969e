package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/babyshoot/api/internal/auth"
	"github.com/babyshoot/api/internal/cache"
	"github.com/babyshoot/api/internal/client"
	"github.com/babyshoot/api/internal/config"
	"github.com/babyshoot/api/internal/handler"
	"github.com/babyshoot/api/internal/middleware"
	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/server"
	"github.com/babyshoot/api/internal/service"
	"github.com/babyshoot/api/internal/store"
	ws "github.com/babyshoot/api/internal/websocket"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testCronSecret    = "cron-secret"
	testWebhookSecret = "hook-secret"
	testUserID        = "user-123"
)

// jpegBytes starts with the JPEG magic so mimetype sniffs image/jpeg.
var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x00}, 64)...)

// fakeAstria serves tune and prompt payloads and the images they reference.
type fakeAstria struct {
	mu     sync.Mutex
	jobs   map[string]string // path -> JSON body
	server *httptest.Server
}

func newFakeAstria(t *testing.T) *fakeAstria {
	t.Helper()
	f := &fakeAstria{jobs: make(map[string]string)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/img/") {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(jpegBytes)
			return
		}
		f.mu.Lock()
		body, ok := f.jobs[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAstria) set(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[path] = body
}

func (f *fakeAstria) imageURL(name string) string {
	return f.server.URL + "/img/" + name
}

// memStorage stands in for R2/MinIO.
type memStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

func (s *memStorage) Upload(_ context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = contentType
	return s.GetPublicURL(key), nil
}

func (s *memStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memStorage) GetPublicURL(key string) string {
	return "https://cdn.babyshoot.test/" + key
}

func (s *memStorage) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	store   *store.GormStore
	astria  *fakeAstria
	storage *memStorage
}

// setupApp wires the real services over sqlite, the memory cache and a
// fake Astria. No Redis is needed: reconciles dispatched by the webhook run
// inline and rate limiting is off.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.OpenGorm("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Cron:      config.CronConfig{Secret: testCronSecret},
		Webhook:   config.WebhookConfig{Secret: testWebhookSecret},
		RateLimit: config.RateLimitConfig{ReconcilePerMin: 10000},
		Reconcile: config.ReconcileConfig{Timeout: 10 * time.Second, MaxMissingRefChecks: 2},
		Cache:     config.CacheConfig{TTL: time.Minute},
	}

	astria := newFakeAstria(t)
	jobs := client.NewAstriaClient(&config.AstriaConfig{APIKey: "test", BaseURL: astria.server.URL}, logger)
	fetcher := client.NewFetcher(&config.StorageConfig{DownloadTimeout: 5})
	storage := &memStorage{objects: make(map[string]string)}
	memCache := cache.NewMemoryCache()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	artifacts := service.NewArtifactService(st, storage, fetcher, logger)
	reconciler := service.NewReconcileService(st, jobs, artifacts, memCache, hub, &cfg.Reconcile, logger)
	sessions := service.NewSessionService(st, artifacts, memCache, cfg.Cache.TTL, hub, logger)
	sweeper := service.NewSweepService(st, reconciler, reconciler, 4, logger)
	dispatcher := service.NewReconcileDispatcher(nil, reconciler, logger)

	verifier := auth.NewHMACVerifier(testJWTSecret, "authenticated")
	authMiddleware := middleware.NewAuthMiddleware(verifier)

	app := server.NewApp(server.Deps{
		Config:      cfg,
		Sessions:    sessions,
		Reconciler:  reconciler,
		Sweeper:     sweeper,
		Dispatcher:  dispatcher,
		Hub:         hub,
		Auth:        authMiddleware.Authenticate(),
		EventsAuth:  authMiddleware.AuthenticateWebSocket(),
		AuthHandler: handler.NewAuthHandler(verifier),
		RateLimiter: middleware.NewRateLimiter(nil, logger),
		Health:      func() fiber.Map { return fiber.Map{"astria": true, "storage": true} },
		Logger:      logger,
	})

	return &testApp{app: app, store: st, astria: astria, storage: storage}
}

// seed inserts a session owned by testUserID unless another owner is given.
func (ta *testApp) seed(t *testing.T, s model.Session) {
	t.Helper()
	if s.OwnerID == "" {
		s.OwnerID = testUserID
	}
	if err := ta.store.CreateSession(context.Background(), &s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func (ta *testApp) session(t *testing.T, id string) *model.Session {
	t.Helper()
	s, err := ta.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return s
}

// generateToken creates an HS256 token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.SignHMAC(testJWTSecret, userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as testUserID.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, testUserID),
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
