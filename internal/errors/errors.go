// Package errors defines the domain error taxonomy and the RFC 7807
// problem-details renderer shared by the HTTP transport.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Key verification and store errors. The transport deliberately collapses
// most of these into one generic client-facing message; the sentinels stay
// distinct so internal paths remain loggable and testable. The specific
// consume-failure reasons all unwrap to ErrKeyNotConsumable.
var (
	ErrMissingKey       = errors.New("missing key")
	ErrInvalidKeyFormat = errors.New("invalid key format")
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyNotConsumable = errors.New("key not consumable")
	ErrKeyRevoked       = fmt.Errorf("%w: revoked", ErrKeyNotConsumable)
	ErrKeyExpired       = fmt.Errorf("%w: expired", ErrKeyNotConsumable)
	ErrKeyExhausted     = fmt.Errorf("%w: usage limit reached", ErrKeyNotConsumable)
	ErrStorage          = errors.New("storage failure")
)

// Admin authentication errors.
var (
	ErrInvalidPassword  = errors.New("invalid password")
	ErrTooManyAttempts  = errors.New("too many login attempts")
	ErrLocked           = errors.New("address locked")
	ErrMalformedToken   = errors.New("malformed token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidTimestamp = errors.New("invalid token timestamp")
	ErrBadSignature     = errors.New("bad token signature")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrForbidden        = errors.New("access denied")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Extensions carries additional response fields
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// WriteResponse writes the problem with the RFC 7807 media type. Middleware
// that runs outside the render chain responds through this directly.
func (pd *ProblemDetails) WriteResponse(w http.ResponseWriter) {
	body, err := json.Marshal(pd)
	if err != nil {
		http.Error(w, http.StatusText(pd.Status), pd.Status)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)
	w.Write(body)
}
