// Package keystore owns the persisted license-key records: the key model,
// the pure lifecycle rules, and the JSON-file backed store.
package keystore

import (
	"time"

	apperrors "keyserve/internal/errors"
)

// Status is a license key's stored state.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"

	// StatusExhausted is display-only: a key whose usage limit is reached
	// stays "active" in storage. Classify derives this overlay.
	StatusExhausted Status = "exhausted"
)

// LicenseKey is a single issued key record. The store is the sole owner of
// these records; other components receive copies.
type LicenseKey struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is the zero time for keys that never expire.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	MaxUses   int       `json:"maxUses"`
	UsedCount int       `json:"usedCount"`
	Note      string    `json:"note,omitempty"`
	Status    Status    `json:"status"`
}

// Expires reports whether the key has an expiry timestamp at all.
func (k *LicenseKey) Expires() bool {
	return !k.ExpiresAt.IsZero()
}

// RemainingUses returns how many consumptions are left.
func (k *LicenseKey) RemainingUses() int {
	if k.UsedCount >= k.MaxUses {
		return 0
	}
	return k.MaxUses - k.UsedCount
}

// IsConsumable reports whether the key can be consumed at the given instant:
// stored status active, not past expiry, and under the usage limit.
func IsConsumable(k *LicenseKey, now time.Time) bool {
	if k.Status != StatusActive {
		return false
	}
	if k.Expires() && !k.ExpiresAt.After(now) {
		return false
	}
	return k.UsedCount < k.MaxUses
}

// BlockedReason explains why a key cannot be consumed at the given instant,
// or returns nil when it can. Every reason unwraps to ErrKeyNotConsumable;
// the verification boundary still collapses them before they reach a client.
// Matching Classify, a lapsed expiry takes precedence over exhaustion.
func BlockedReason(k *LicenseKey, now time.Time) error {
	switch {
	case k.Status == StatusRevoked:
		return apperrors.ErrKeyRevoked
	case k.Status == StatusExpired:
		return apperrors.ErrKeyExpired
	case k.Status != StatusActive:
		return apperrors.ErrKeyNotConsumable
	case k.Expires() && !k.ExpiresAt.After(now):
		return apperrors.ErrKeyExpired
	case k.UsedCount >= k.MaxUses:
		return apperrors.ErrKeyExhausted
	}
	return nil
}

// Classify derives the display status for a key. A stored-active key whose
// usage limit is reached shows as exhausted, and one whose expiry has passed
// shows as expired, without either being a stored transition.
func Classify(k *LicenseKey, now time.Time) Status {
	if k.Status != StatusActive {
		return k.Status
	}
	if k.Expires() && !k.ExpiresAt.After(now) {
		return StatusExpired
	}
	if k.UsedCount >= k.MaxUses {
		return StatusExhausted
	}
	return StatusActive
}

// SweepExpired transitions every stored-active key whose expiry has passed to
// expired, in place. Returns the number of keys changed. Idempotent.
func SweepExpired(keys []*LicenseKey, now time.Time) int {
	changed := 0
	for _, k := range keys {
		if k.Status == StatusActive && k.Expires() && !k.ExpiresAt.After(now) {
			k.Status = StatusExpired
			changed++
		}
	}
	return changed
}
