package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "keyserve/internal/errors"
	"keyserve/internal/keystore"
	"keyserve/internal/security"
)

// KeyView is a license key as shown in the admin panel: the stored record
// plus the derived display status ("exhausted" and lapsed-expiry overlays).
type KeyView struct {
	keystore.LicenseKey
	DisplayStatus keystore.Status `json:"displayStatus"`
}

// RequestInfo carries the source identity of an admin request for auditing.
type RequestInfo struct {
	IP        string
	UserAgent string
}

// LoginResult is the successful outcome of an admin login.
type LoginResult struct {
	Token     string
	ExpiresIn time.Duration
}

// AdminService implements the password-gated key management operations.
type AdminService struct {
	store  *keystore.Store
	auth   *security.Authenticator
	audit  *security.AuditLogger
	logger *slog.Logger
}

// NewAdminService creates an admin service.
func NewAdminService(store *keystore.Store, auth *security.Authenticator, audit *security.AuditLogger, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		store:  store,
		auth:   auth,
		audit:  audit,
		logger: logger.With(slog.String("service", "admin")),
	}
}

// CheckAddress enforces the configured source-address allow-list. Checked
// before any other admin gate.
func (s *AdminService) CheckAddress(addr string) error {
	if !s.auth.Allowed(addr) {
		return apperrors.ErrForbidden
	}
	return nil
}

// Login authenticates the admin password from a source address, applying
// the per-address throttle, and returns a session token on success.
func (s *AdminService) Login(ctx context.Context, password string, req RequestInfo) (*LoginResult, error) {
	now := time.Now()
	token, err := s.auth.Login(password, req.IP, now)
	if err != nil {
		s.audit.Record("LOGIN_FAILED", req.IP, req.UserAgent, err.Error())
		return nil, err
	}

	s.audit.Record("LOGIN_SUCCESS", req.IP, req.UserAgent, fmt.Sprintf("ip %s logged in", req.IP))
	return &LoginResult{Token: token, ExpiresIn: s.auth.TokenTTL()}, nil
}

// Authorize verifies an admin session token.
func (s *AdminService) Authorize(ctx context.Context, token string, req RequestInfo) error {
	if err := s.auth.VerifyToken(token, time.Now()); err != nil {
		s.audit.Record("AUTH_FAILED", req.IP, req.UserAgent, err.Error())
		return err
	}
	return nil
}

// List returns all keys with their derived display status.
func (s *AdminService) List(ctx context.Context) []KeyView {
	now := time.Now()
	keys := s.store.List()
	views := make([]KeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, KeyView{
			LicenseKey:    *k,
			DisplayStatus: keystore.Classify(k, now),
		})
	}
	return views
}

// Generate issues a new key.
func (s *AdminService) Generate(ctx context.Context, maxUses, expiresDays int, note string, req RequestInfo) (*keystore.LicenseKey, error) {
	key, err := s.store.Create(maxUses, expiresDays, note)
	if err != nil {
		s.audit.Record("KEY_GENERATE_FAILED", req.IP, req.UserAgent, err.Error())
		return nil, err
	}

	s.audit.Record("KEY_GENERATED", req.IP, req.UserAgent,
		fmt.Sprintf("%s maxUses=%d expiresDays=%d", key.Key, key.MaxUses, expiresDays))
	s.logger.InfoContext(ctx, "key generated",
		slog.String("key", key.Key),
		slog.Int("max_uses", key.MaxUses),
		slog.String("ip", req.IP))
	return key, nil
}

// Revoke irreversibly disables a key.
func (s *AdminService) Revoke(ctx context.Context, token string, req RequestInfo) error {
	if err := s.store.Revoke(token); err != nil {
		s.audit.Record("KEY_REVOKE_FAILED", req.IP, req.UserAgent, token)
		return err
	}
	s.audit.Record("KEY_REVOKED", req.IP, req.UserAgent, token)
	return nil
}

// Delete removes a key record permanently.
func (s *AdminService) Delete(ctx context.Context, token string, req RequestInfo) error {
	if err := s.store.Delete(token); err != nil {
		s.audit.Record("KEY_DELETE_FAILED", req.IP, req.UserAgent, token)
		return err
	}
	s.audit.Record("KEY_DELETED", req.IP, req.UserAgent, token)
	return nil
}

// AuditRequest records an admin API request in the audit trail.
func (s *AdminService) AuditRequest(method, path string, req RequestInfo) {
	s.audit.Record("API_REQUEST", req.IP, req.UserAgent, method+" "+path)
}

// RecordBlocked notes an allow-list rejection.
func (s *AdminService) RecordBlocked(req RequestInfo) {
	s.audit.Record("IP_BLOCKED", req.IP, req.UserAgent,
		fmt.Sprintf("ip %s tried to access the admin API", req.IP))
}
