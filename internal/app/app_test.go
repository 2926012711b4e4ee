package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserve/internal/config"
	"keyserve/internal/keystore"
	"keyserve/internal/security"
	"keyserve/internal/services"
)

// newTestApplication wires an Application by hand against a temp directory
// so no environment or config file is consulted.
func newTestApplication(t *testing.T) *Application {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 0, ShutdownTimeout: 5 * time.Second},
		Admin: config.AdminConfig{
			Password:        "test-password",
			PanelPath:       "panel-test",
			MaxAttempts:     5,
			LockoutDuration: 30 * time.Minute,
			TokenTTL:        2 * time.Hour,
		},
		RateLimit: config.RateLimitConfig{Enabled: false},
	}

	store, err := keystore.Open(filepath.Join(dir, "keys.json"), filepath.Join(dir, "usage.log"), logger)
	require.NoError(t, err)

	auth := security.NewAuthenticator(cfg.Admin, logger)
	t.Cleanup(auth.Stop)
	audit := security.NewAuditLogger(filepath.Join(dir, "admin.log"), logger)

	app := &Application{
		Config:       cfg,
		Store:        store,
		Auth:         auth,
		Audit:        audit,
		Verification: services.NewVerificationService(store, logger),
		Admin:        services.NewAdminService(store, auth, audit, logger),
		Logger:       logger,
	}
	app.setupRouter()
	return app
}

func TestRouterServesHealth(t *testing.T) {
	app := newTestApplication(t)
	server := httptest.NewServer(app.Router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouterServesMetrics(t *testing.T) {
	app := newTestApplication(t)
	server := httptest.NewServer(app.Router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterServesPanelAtConfiguredPath(t *testing.T) {
	app := newTestApplication(t)
	server := httptest.NewServer(app.Router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/panel-test")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestRouterUnknownRouteIs404(t *testing.T) {
	app := newTestApplication(t)
	server := httptest.NewServer(app.Router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouterRequestIDHeader(t *testing.T) {
	app := newTestApplication(t)
	server := httptest.NewServer(app.Router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
