package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"keyserve/internal/config"
	"keyserve/internal/keystore"
	"keyserve/internal/security"
	"keyserve/internal/services"
)

const testPassword = "correct-horse-battery"

// HandlerTestSuite exercises the full HTTP surface against a real store
// and authenticator backed by a temp directory.
type HandlerTestSuite struct {
	suite.Suite
	store  *keystore.Store
	auth   *security.Authenticator
	server *httptest.Server
}

func (s *HandlerTestSuite) SetupTest() {
	dir := s.T().TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := keystore.Open(filepath.Join(dir, "keys.json"), filepath.Join(dir, "usage.log"), logger)
	s.Require().NoError(err)
	s.store = store

	s.auth = security.NewAuthenticator(config.AdminConfig{
		Password:        testPassword,
		MaxAttempts:     5,
		LockoutDuration: 30 * time.Minute,
		TokenTTL:        2 * time.Hour,
	}, logger)

	audit := security.NewAuditLogger(filepath.Join(dir, "admin.log"), logger)
	verifySvc := services.NewVerificationService(store, logger)
	adminSvc := services.NewAdminService(store, s.auth, audit, logger)

	r := chi.NewRouter()
	r.Mount("/api/verify", NewVerifyHandler(verifySvc, logger).Routes())
	r.Mount("/api/admin", NewAdminHandler(adminSvc, logger).Routes())
	r.Get("/api/health", NewHealthHandler("test").Health)
	s.server = httptest.NewServer(r)
}

func (s *HandlerTestSuite) TearDownTest() {
	s.server.Close()
	s.auth.Stop()
}

func (s *HandlerTestSuite) postJSON(path string, body interface{}) (*http.Response, map[string]interface{}) {
	payload, err := json.Marshal(body)
	s.Require().NoError(err)

	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(payload))
	s.Require().NoError(err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (s *HandlerTestSuite) login() string {
	resp, body := s.postJSON("/api/admin/login", map[string]string{"password": testPassword})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	token, ok := body["token"].(string)
	s.Require().True(ok, "login response should carry a token")
	return token
}

func (s *HandlerTestSuite) generate(token string, maxUses, expiresDays int) string {
	resp, body := s.postJSON("/api/admin/generate", map[string]interface{}{
		"token":       token,
		"maxUses":     maxUses,
		"expiresDays": expiresDays,
		"note":        "handler test",
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	return data["key"].(string)
}

func (s *HandlerTestSuite) TestHealth() {
	resp, err := http.Get(s.server.URL + "/api/health")
	s.Require().NoError(err)
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode)
	var body HealthResponse
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
	s.Equal("ok", body.Status)
	s.Equal("test", body.Version)
}

func (s *HandlerTestSuite) TestVerifyMissingKey() {
	resp, body := s.postJSON("/api/verify", map[string]string{"key": ""})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, body["success"])
	s.Equal("please provide a key", body["error"])
}

func (s *HandlerTestSuite) TestVerifyBadFormat() {
	resp, body := s.postJSON("/api/verify", map[string]string{"key": "not-a-key"})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, body["success"])
	s.Equal("key format is invalid", body["error"])
}

func (s *HandlerTestSuite) TestVerifyUnknownKeyIsGeneric() {
	resp, body := s.postJSON("/api/verify", map[string]string{"key": "AAAA-BBBB-CCCC-DDDD"})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, body["success"])
	s.Equal("key is invalid or expired", body["error"])
}

func (s *HandlerTestSuite) TestGenerateVerifyUntilExhausted() {
	token := s.login()
	key := s.generate(token, 2, 0)

	for i := 0; i < 2; i++ {
		resp, body := s.postJSON("/api/verify", map[string]string{"key": key})
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		s.Require().Equal(true, body["success"], "use %d should succeed", i+1)
		data := body["data"].(map[string]interface{})
		s.Equal(float64(1-i), data["remainingUses"])
	}

	resp, body := s.postJSON("/api/verify", map[string]string{"key": key})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, body["success"])
	s.Equal("key is invalid or expired", body["error"])
}

func (s *HandlerTestSuite) TestVerifyIsCaseInsensitive() {
	token := s.login()
	key := s.generate(token, 1, 0)

	resp, body := s.postJSON("/api/verify", map[string]string{"key": "  " + strings.ToLower(key) + "  "})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["success"])
}

func (s *HandlerTestSuite) TestRevokedKeyFailsVerification() {
	token := s.login()
	key := s.generate(token, 5, 0)

	resp, _ := s.postJSON("/api/admin/revoke", map[string]string{"token": token, "key": key})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.postJSON("/api/verify", map[string]string{"key": key})
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(false, body["success"])
	s.Equal("key is invalid or expired", body["error"])
}

func (s *HandlerTestSuite) TestDeleteRemovesKeyFromList() {
	token := s.login()
	key := s.generate(token, 1, 0)

	resp, _ := s.postJSON("/api/admin/delete", map[string]string{"token": token, "key": key})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.postJSON("/api/admin/list", map[string]string{"token": token})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	for _, raw := range body["data"].([]interface{}) {
		entry := raw.(map[string]interface{})
		s.NotEqual(key, entry["key"])
	}
}

func (s *HandlerTestSuite) TestListIncludesSeededDemoKey() {
	token := s.login()
	resp, body := s.postJSON("/api/admin/list", map[string]string{"token": token})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(true, body["success"])
	s.NotEmpty(body["data"].([]interface{}))
}

func (s *HandlerTestSuite) TestRevokeUnknownKeyIs404() {
	token := s.login()
	resp, body := s.postJSON("/api/admin/revoke", map[string]string{"token": token, "key": "AAAA-BBBB-CCCC-DDDD"})
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("key not found", body["error"])
}

func (s *HandlerTestSuite) TestLoginReportsLifetimeInMilliseconds() {
	resp, body := s.postJSON("/api/admin/login", map[string]string{"password": testPassword})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64((2*time.Hour)/time.Millisecond), body["expiresIn"])
}

func (s *HandlerTestSuite) TestLoginWrongPassword() {
	resp, body := s.postJSON("/api/admin/login", map[string]string{"password": "wrong"})
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal(false, body["success"])
}

func (s *HandlerTestSuite) TestLoginLockoutAfterRepeatedFailures() {
	for i := 0; i < 4; i++ {
		resp, _ := s.postJSON("/api/admin/login", map[string]string{"password": "wrong"})
		s.Require().Equal(http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}

	// The fifth failure trips the lock and is already throttled.
	resp, _ := s.postJSON("/api/admin/login", map[string]string{"password": "wrong"})
	s.Require().Equal(http.StatusTooManyRequests, resp.StatusCode)

	// The sixth attempt is throttled before the password is checked,
	// even when it is correct.
	resp, body := s.postJSON("/api/admin/login", map[string]string{"password": testPassword})
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	s.Equal(false, body["success"])
}

func (s *HandlerTestSuite) TestAdminEndpointsRejectMissingToken() {
	for _, path := range []string{"/api/admin/list", "/api/admin/generate"} {
		resp, body := s.postJSON(path, map[string]interface{}{})
		s.Equal(http.StatusUnauthorized, resp.StatusCode, path)
		s.Equal("unauthorized", body["error"], path)
	}
}

func (s *HandlerTestSuite) TestTokenAcceptedFromHeader() {
	token := s.login()

	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/api/admin/list", bytes.NewReader([]byte("{}")))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", token)

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerTestSuite) TestForgedTokenRejected() {
	token := s.login() + "00"
	resp, body := s.postJSON("/api/admin/list", map[string]string{"token": token})
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal("unauthorized", body["error"])
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func TestAllowListBlocksOutsideAddresses(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := keystore.Open(filepath.Join(dir, "keys.json"), filepath.Join(dir, "usage.log"), logger)
	require.NoError(t, err)

	auth := security.NewAuthenticator(config.AdminConfig{
		Password:        testPassword,
		AllowList:       []string{"10.9.8.7"},
		MaxAttempts:     5,
		LockoutDuration: 30 * time.Minute,
		TokenTTL:        2 * time.Hour,
	}, logger)
	defer auth.Stop()

	audit := security.NewAuditLogger(filepath.Join(dir, "admin.log"), logger)
	adminSvc := services.NewAdminService(store, auth, audit, logger)

	r := chi.NewRouter()
	r.Mount("/api/admin", NewAdminHandler(adminSvc, logger).Routes())
	server := httptest.NewServer(r)
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/admin/login", "application/json",
		bytes.NewReader([]byte(fmt.Sprintf(`{"password":%q}`, testPassword))))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
