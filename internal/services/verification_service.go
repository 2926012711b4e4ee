// Package services orchestrates the keystore and security components for
// the HTTP transport and CLI.
package services

import (
	"context"
	"log/slog"
	"time"

	apperrors "keyserve/internal/errors"
	"keyserve/internal/keystore"
)

// VerifyResult is the successful outcome of a key verification.
type VerifyResult struct {
	RemainingUses int `json:"remainingUses"`
}

// VerificationService validates and consumes license keys for end clients.
type VerificationService struct {
	store  *keystore.Store
	logger *slog.Logger
}

// NewVerificationService creates a verification service.
func NewVerificationService(store *keystore.Store, logger *slog.Logger) *VerificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationService{
		store:  store,
		logger: logger.With(slog.String("service", "verification")),
	}
}

// Verify checks a raw client-submitted key and consumes one use. Distinct
// internal failures (absent, revoked, expired, exhausted) all surface as
// ErrKeyNotConsumable: which precondition failed is deliberately hidden
// from the end client.
func (s *VerificationService) Verify(ctx context.Context, rawKey, clientIP, userAgent string) (*VerifyResult, error) {
	if rawKey == "" {
		return nil, apperrors.ErrMissingKey
	}
	if !keystore.ValidTokenFormat(rawKey) {
		s.logger.InfoContext(ctx, "verification rejected: bad key format",
			slog.String("ip", clientIP))
		return nil, apperrors.ErrInvalidKeyFormat
	}

	now := time.Now()
	key, err := s.store.Consume(rawKey, now)
	if err != nil {
		s.logger.InfoContext(ctx, "verification failed",
			slog.String("ip", clientIP),
			slog.String("reason", err.Error()))
		return nil, apperrors.ErrKeyNotConsumable
	}

	// The usage log is diagnostic only; a write failure must not undo a
	// successful verification.
	if err := s.store.AppendUsage(keystore.UsageLogEntry{
		Key:       key.Key,
		Timestamp: now.UTC(),
		IP:        clientIP,
		UserAgent: userAgent,
	}); err != nil {
		s.logger.WarnContext(ctx, "usage log append failed",
			slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "key verified",
		slog.String("ip", clientIP),
		slog.Int("remaining_uses", key.RemainingUses()))

	return &VerifyResult{RemainingUses: key.RemainingUses()}, nil
}
