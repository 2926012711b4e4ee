// Package security implements admin authentication: password hashing,
// self-verifying session tokens, login throttling per source address, and
// the admin audit trail.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"keyserve/internal/config"
	apperrors "keyserve/internal/errors"
)

// attemptState tracks login failures for one source address. Reset on
// successful login or lazily once the lock window elapses.
type attemptState struct {
	Count       int
	LockUntil   time.Time
	LastFailure time.Time
}

// LockedError reports an address currently in lockout.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many login attempts, try again in %d minutes", e.RemainingMinutes())
}

func (e *LockedError) Unwrap() error { return apperrors.ErrLocked }

// RemainingMinutes rounds the remaining lockout up to whole minutes, the
// granularity surfaced to clients.
func (e *LockedError) RemainingMinutes() int {
	return int((e.Remaining + time.Minute - 1) / time.Minute)
}

// InvalidPasswordError reports a failed credential check with the number of
// attempts left before lockout.
type InvalidPasswordError struct {
	AttemptsRemaining int
}

func (e *InvalidPasswordError) Error() string {
	return fmt.Sprintf("wrong password, %d attempts remaining", e.AttemptsRemaining)
}

func (e *InvalidPasswordError) Unwrap() error { return apperrors.ErrInvalidPassword }

// TooManyAttemptsError reports the failure that triggered a lockout.
type TooManyAttemptsError struct {
	LockedFor time.Duration
}

func (e *TooManyAttemptsError) Error() string {
	return fmt.Sprintf("too many failed logins, locked for %d minutes", int(e.LockedFor/time.Minute))
}

func (e *TooManyAttemptsError) Unwrap() error { return apperrors.ErrTooManyAttempts }

// Authenticator gates the admin API. It owns the hashed credential, the
// HMAC key for session tokens, the optional source-address allow-list, and
// the in-memory per-address throttle map.
type Authenticator struct {
	passwordHash string // sha256 hex of the admin password
	secret       []byte // raw admin password, keys the token HMAC
	maxAttempts  int
	lockout      time.Duration
	tokenTTL     time.Duration
	allowList    map[string]struct{}
	logger       *slog.Logger

	mu       sync.Mutex
	attempts map[string]*attemptState

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// NewAuthenticator builds an Authenticator from the admin configuration and
// starts the background sweep that bounds the throttle map.
func NewAuthenticator(cfg config.AdminConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}

	sum := sha256.Sum256([]byte(cfg.Password))

	allowList := make(map[string]struct{}, len(cfg.AllowList))
	for _, addr := range cfg.AllowList {
		if addr = strings.TrimSpace(addr); addr != "" {
			allowList[addr] = struct{}{}
		}
	}

	a := &Authenticator{
		passwordHash: hex.EncodeToString(sum[:]),
		secret:       []byte(cfg.Password),
		maxAttempts:  cfg.MaxAttempts,
		lockout:      cfg.LockoutDuration,
		tokenTTL:     cfg.TokenTTL,
		allowList:    allowList,
		logger:       logger.With(slog.String("component", "adminauth")),
		attempts:     make(map[string]*attemptState),
		janitorStop:  make(chan struct{}),
	}

	go a.janitor()
	return a
}

// Stop terminates the background sweep goroutine.
func (a *Authenticator) Stop() {
	a.janitorOnce.Do(func() { close(a.janitorStop) })
}

// Allowed reports whether the source address passes the allow-list. An
// empty list allows everyone.
func (a *Authenticator) Allowed(addr string) bool {
	if len(a.allowList) == 0 {
		return true
	}
	_, ok := a.allowList[addr]
	return ok
}

// TokenTTL returns the configured session token lifetime.
func (a *Authenticator) TokenTTL() time.Duration {
	return a.tokenTTL
}

// CheckRateLimit fails with a LockedError while the address is locked out.
// An elapsed lock resets the state on the way through (lazy unlock; there is
// no timer).
func (a *Authenticator) CheckRateLimit(addr string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.attempts[addr]
	if !ok {
		return nil
	}
	if state.LockUntil.After(now) {
		return &LockedError{Remaining: state.LockUntil.Sub(now)}
	}
	if !state.LockUntil.IsZero() {
		state.Count = 0
		state.LockUntil = time.Time{}
	}
	return nil
}

// Login verifies the password for a source address, honoring the lockout
// state machine: a locked address is rejected before the credential is even
// compared; the MAX-th consecutive failure transitions to locked; success
// from any non-locked state resets the counter and issues a session token.
func (a *Authenticator) Login(password, addr string, now time.Time) (string, error) {
	if err := a.CheckRateLimit(addr, now); err != nil {
		a.logger.Warn("login rejected while locked", slog.String("ip", addr))
		return "", err
	}

	sum := sha256.Sum256([]byte(password))
	supplied := hex.EncodeToString(sum[:])

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.attempts[addr]
	if !ok {
		state = &attemptState{}
		a.attempts[addr] = state
	}

	if subtle.ConstantTimeCompare([]byte(supplied), []byte(a.passwordHash)) == 1 {
		state.Count = 0
		state.LockUntil = time.Time{}
		a.logger.Info("admin login succeeded", slog.String("ip", addr))
		return a.issueToken(now), nil
	}

	state.Count++
	state.LastFailure = now

	if state.Count >= a.maxAttempts {
		state.LockUntil = now.Add(a.lockout)
		a.logger.Warn("address locked after repeated login failures",
			slog.String("ip", addr),
			slog.Int("attempts", state.Count),
			slog.Duration("lockout", a.lockout))
		return "", &TooManyAttemptsError{LockedFor: a.lockout}
	}

	a.logger.Warn("admin login failed",
		slog.String("ip", addr),
		slog.Int("attempts", state.Count),
		slog.Int("max_attempts", a.maxAttempts))
	return "", &InvalidPasswordError{AttemptsRemaining: a.maxAttempts - state.Count}
}

// issueToken builds the self-verifying session token
// hash:timestampMillis:signature. Nothing is stored server-side; expiry is
// purely time-based.
func (a *Authenticator) issueToken(now time.Time) string {
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	return a.passwordHash + ":" + millis + ":" + a.sign(a.passwordHash, millis)
}

func (a *Authenticator) sign(hash, millis string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(hash + ":" + millis))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a session token: shape, age window, signature, and
// credential hash, in that order.
func (a *Authenticator) VerifyToken(token string, now time.Time) error {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return apperrors.ErrMalformedToken
	}
	hash, millisPart, signature := parts[0], parts[1], parts[2]

	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return apperrors.ErrMalformedToken
	}

	age := now.Sub(time.UnixMilli(millis))
	if age > a.tokenTTL {
		return apperrors.ErrTokenExpired
	}
	if age < 0 {
		return apperrors.ErrInvalidTimestamp
	}

	expected := a.sign(hash, millisPart)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return apperrors.ErrBadSignature
	}

	if subtle.ConstantTimeCompare([]byte(hash), []byte(a.passwordHash)) != 1 {
		return apperrors.ErrAuthFailed
	}
	return nil
}

// janitor periodically drops stale throttle entries so the per-address map
// stays bounded under address-spoofed traffic.
func (a *Authenticator) janitor() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweepStale(time.Now())
		case <-a.janitorStop:
			return
		}
	}
}

// sweepStale removes entries that are neither locked nor recently failing.
func (a *Authenticator) sweepStale(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for addr, state := range a.attempts {
		if state.LockUntil.After(now) {
			continue
		}
		if now.Sub(state.LastFailure) > a.lockout {
			delete(a.attempts, addr)
		}
	}
}
