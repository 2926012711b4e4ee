package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "keyserve/internal/errors"
)

const (
	// DefaultMaxUses applies when key creation does not specify a limit.
	DefaultMaxUses = 1
	// demoMaxUses is the usage allowance of the first-run demo key.
	demoMaxUses = 999
)

// snapshot is the persisted store layout: the whole key set plus a flag
// marking that first-run seeding already happened.
type snapshot struct {
	Keys        []*LicenseKey `json:"keys"`
	Initialized bool          `json:"initialized"`
}

// UsageLogEntry is one append-only audit record written after a successful
// verification. Diagnostic only; never read back.
type UsageLogEntry struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
}

// Store is the single owner of license-key records. Every mutation runs the
// full load-mutate-persist cycle under one mutex so concurrent requests in
// the same process cannot lose updates. No cross-process locking is
// provided; the design assumes a single writer process.
type Store struct {
	mu           sync.Mutex
	path         string
	usageLogPath string
	logger       *slog.Logger
	db           snapshot
}

// Open loads the store from disk, creating and seeding it on first run.
// An unreadable or corrupt snapshot logs a warning and falls back to an
// empty store instead of failing; availability wins over strict durability.
func Open(path, usageLogPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:         path,
		usageLogPath: usageLogPath,
		logger:       logger.With(slog.String("component", "keystore")),
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating data dir: %v", apperrors.ErrStorage, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.load()

	if !s.db.Initialized {
		if err := s.seedDemoKey(); err != nil {
			return nil, err
		}
	}

	if changed := SweepExpired(s.db.Keys, time.Now()); changed > 0 {
		s.logger.Info("expired keys swept on load", slog.Int("count", changed))
		if err := s.persist(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// load reads the snapshot, recovering from missing or corrupt files.
// Caller must hold s.mu.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.db = snapshot{}
		return
	}
	if err != nil {
		s.logger.Warn("keys snapshot unreadable, reinitializing empty store",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		s.db = snapshot{}
		return
	}

	var db snapshot
	if err := json.Unmarshal(data, &db); err != nil {
		s.logger.Warn("keys snapshot corrupt, reinitializing empty store",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		s.db = snapshot{}
		return
	}
	s.db = db
}

// persist writes the whole snapshot back to disk. Caller must hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.db, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling snapshot: %v", apperrors.ErrStorage, err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing snapshot: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// seedDemoKey creates the first-run demo key and marks the store
// initialized so seeding happens at most once. Caller must hold s.mu.
func (s *Store) seedDemoKey() error {
	token, err := GenerateToken()
	if err != nil {
		return err
	}
	s.db.Initialized = true
	s.db.Keys = append(s.db.Keys, &LicenseKey{
		Key:       token,
		CreatedAt: time.Now().UTC(),
		MaxUses:   demoMaxUses,
		Note:      "demo key - unlimited use, never expires",
		Status:    StatusActive,
	})
	if err := s.persist(); err != nil {
		return err
	}
	s.logger.Info("store initialized with demo key",
		slog.String("path", s.path),
		slog.String("demo_key", token))
	return nil
}

// Create issues a new key and persists it synchronously before returning.
// expiresDays <= 0 means the key never expires.
func (s *Store) Create(maxUses, expiresDays int, note string) (*LicenseKey, error) {
	if maxUses <= 0 {
		maxUses = DefaultMaxUses
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := &LicenseKey{
		Key:       token,
		CreatedAt: now,
		MaxUses:   maxUses,
		Note:      note,
		Status:    StatusActive,
	}
	if expiresDays > 0 {
		key.ExpiresAt = now.AddDate(0, 0, expiresDays)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.db.Keys = append(s.db.Keys, key)
	if err := s.persist(); err != nil {
		s.db.Keys = s.db.Keys[:len(s.db.Keys)-1]
		return nil, err
	}

	cp := *key
	return &cp, nil
}

// FindConsumable returns a copy of the record when it exists and is
// consumable at the given instant. Absent and inactive keys both map to
// ErrKeyNotFound; the distinction is deliberately not surfaced.
func (s *Store) FindConsumable(token string, now time.Time) (*LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(token)
	if k == nil || !IsConsumable(k, now) {
		return nil, apperrors.ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

// Consume validates and increments usage for the key in one step, persisting
// before returning. A blocked key returns its specific reason (revoked,
// expired, exhausted); an absent key returns the generic sentinel so
// existence is not revealed. Consumability is re-checked under the store
// mutex; a prior FindConsumable result is never trusted across the lock
// boundary.
func (s *Store) Consume(token string, now time.Time) (*LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(token)
	if k == nil {
		return nil, apperrors.ErrKeyNotConsumable
	}
	if err := BlockedReason(k, now); err != nil {
		return nil, err
	}

	k.UsedCount++
	if err := s.persist(); err != nil {
		k.UsedCount--
		return nil, err
	}

	cp := *k
	return &cp, nil
}

// List returns copies of all records in insertion order.
func (s *Store) List() []*LicenseKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*LicenseKey, 0, len(s.db.Keys))
	for _, k := range s.db.Keys {
		cp := *k
		out = append(out, &cp)
	}
	return out
}

// Revoke sets the key's status to revoked. One-way; revoked keys never
// return to active.
func (s *Store) Revoke(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(token)
	if k == nil {
		return apperrors.ErrKeyNotFound
	}

	prev := k.Status
	k.Status = StatusRevoked
	if err := s.persist(); err != nil {
		k.Status = prev
		return err
	}
	return nil
}

// Delete removes the record permanently.
func (s *Store) Delete(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm := NormalizeToken(token)
	for i, k := range s.db.Keys {
		if k.Key == norm {
			removed := s.db.Keys[i]
			s.db.Keys = append(s.db.Keys[:i], s.db.Keys[i+1:]...)
			if err := s.persist(); err != nil {
				s.db.Keys = append(s.db.Keys[:i], append([]*LicenseKey{removed}, s.db.Keys[i:]...)...)
				return err
			}
			return nil
		}
	}
	return apperrors.ErrKeyNotFound
}

// AppendUsage appends one usage record to the NDJSON usage log.
func (s *Store) AppendUsage(entry UsageLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshaling usage entry: %v", apperrors.ErrStorage, err)
	}
	f, err := os.OpenFile(s.usageLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening usage log: %v", apperrors.ErrStorage, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: writing usage log: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// find locates a record by normalized token. Caller must hold s.mu.
func (s *Store) find(token string) *LicenseKey {
	norm := NormalizeToken(token)
	for _, k := range s.db.Keys {
		if k.Key == norm {
			return k
		}
	}
	return nil
}
