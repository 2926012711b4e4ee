package security

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AuditEntry is one admin-action audit record.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// AuditLogger appends admin-action records to a newline-delimited JSON log.
// Writes are best-effort: a failing audit log must never fail the operation
// it documents.
type AuditLogger struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewAuditLogger creates an audit logger writing to the given file.
func NewAuditLogger(path string, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		path:   path,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// Record appends one entry, stamping it with the current time.
func (a *AuditLogger) Record(action, ip, userAgent, details string) {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		IP:        ip,
		UserAgent: userAgent,
		Details:   details,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		a.logger.Warn("failed to marshal audit entry", slog.String("error", err.Error()))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Warn("failed to open audit log",
			slog.String("path", a.path),
			slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		a.logger.Warn("failed to write audit entry", slog.String("error", err.Error()))
	}
}
