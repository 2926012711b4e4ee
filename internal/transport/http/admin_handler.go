package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "keyserve/internal/errors"
	"keyserve/internal/infrastructure"
	"keyserve/internal/middleware"
	"keyserve/internal/security"
	"keyserve/internal/services"
)

var validate = validator.New()

// AdminHandler handles the authenticated key management API.
type AdminHandler struct {
	service *services.AdminService
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service *services.AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// LoginRequest is the payload for POST /api/admin/login.
type LoginRequest struct {
	Password string `json:"password" validate:"required"`
}

// Bind implements the render.Binder interface for login requests
func (l *LoginRequest) Bind(r *http.Request) error {
	return validate.Struct(l)
}

// LoginResponse is returned on a successful login.
type LoginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// GenerateRequest is the payload for POST /api/admin/generate.
type GenerateRequest struct {
	Token       string `json:"token,omitempty"`
	MaxUses     int    `json:"maxUses" validate:"gte=0"`
	ExpiresDays int    `json:"expiresDays" validate:"gte=0"`
	Note        string `json:"note" validate:"max=200"`
}

// Bind implements the render.Binder interface for generate requests
func (g *GenerateRequest) Bind(r *http.Request) error {
	return validate.Struct(g)
}

// KeyActionRequest is the payload for revoke and delete operations.
type KeyActionRequest struct {
	Token string `json:"token,omitempty"`
	Key   string `json:"key" validate:"required"`
}

// Bind implements the render.Binder interface for key action requests
func (k *KeyActionRequest) Bind(r *http.Request) error {
	return validate.Struct(k)
}

// APIResponse is the generic success/error envelope for admin endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Routes returns a chi router for admin endpoints. Every route passes
// the allow-list gate and is recorded in the audit trail before the
// handler runs.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.allowListGate)
	r.Use(h.auditTrail)

	r.Post("/login", h.Login)
	r.Post("/list", h.List)
	r.Post("/generate", h.Generate)
	r.Post("/revoke", h.Revoke)
	r.Post("/delete", h.Delete)

	return r
}

// allowListGate rejects requests from addresses outside the configured
// allow-list before any credential is examined.
func (h *AdminHandler) allowListGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := h.requestInfo(r)
		if err := h.service.CheckAddress(info.IP); err != nil {
			h.service.RecordBlocked(info)
			h.logger.WarnContext(r.Context(), "admin request blocked by allow-list",
				slog.String("ip", info.IP),
				slog.String("path", r.URL.Path))
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, &APIResponse{Success: false, Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// auditTrail records every admin API request before it is handled.
func (h *AdminHandler) auditTrail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.service.AuditRequest(r.Method, r.URL.Path, h.requestInfo(r))
		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) requestInfo(r *http.Request) services.RequestInfo {
	return services.RequestInfo{IP: middleware.ClientIP(r), UserAgent: r.UserAgent()}
}

// Login handles POST /api/admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("admin-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "admin_handler.login",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/admin/login"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req LoginRequest
	if err := render.Bind(r, &req); err != nil {
		span.RecordError(err)
		adminLoginsTotal.WithLabelValues("malformed").Inc()
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, &APIResponse{Success: false, Error: "password is required"})
		return
	}

	result, err := h.service.Login(ctx, req.Password, h.requestInfo(r))
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "admin login rejected",
			slog.String("request_id", reqID),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("ip", middleware.ClientIP(r)),
			slog.String("reason", err.Error()),
			slog.Duration("latency", latency),
		)
		adminLoginsTotal.WithLabelValues("failure").Inc()
		h.renderLoginError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "admin login succeeded",
		slog.String("request_id", reqID),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.String("ip", middleware.ClientIP(r)),
		slog.Duration("latency", latency),
	)
	adminLoginsTotal.WithLabelValues("success").Inc()
	render.Status(r, http.StatusOK)
	render.JSON(w, r, &LoginResponse{
		Success:   true,
		Token:     result.Token,
		// Milliseconds: clients add this directly to their clock.
		ExpiresIn: result.ExpiresIn.Milliseconds(),
	})
}

// renderLoginError maps authentication failures onto the login status
// contract: throttle errors answer 429 with a wait hint, everything else
// answers 401 with the remaining attempt budget where known.
func (h *AdminHandler) renderLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *security.LockedError
	if errors.As(err, &locked) {
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, &APIResponse{Success: false, Error: locked.Error()})
		return
	}
	var tooMany *security.TooManyAttemptsError
	if errors.As(err, &tooMany) {
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, &APIResponse{Success: false, Error: tooMany.Error()})
		return
	}
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, &APIResponse{Success: false, Error: err.Error()})
}

// authorize extracts the session token from the request body or the
// X-Admin-Token header and verifies it. It writes the error response
// itself and reports whether the caller may proceed.
func (h *AdminHandler) authorize(w http.ResponseWriter, r *http.Request, bodyToken string) bool {
	token := bodyToken
	if token == "" {
		token = r.Header.Get("X-Admin-Token")
	}
	if err := h.service.Authorize(r.Context(), token, h.requestInfo(r)); err != nil {
		h.logger.WarnContext(r.Context(), "admin token rejected",
			slog.String("ip", middleware.ClientIP(r)),
			slog.String("path", r.URL.Path),
			slog.String("reason", err.Error()))
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, &APIResponse{Success: false, Error: authMessage(err)})
		return false
	}
	return true
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrTokenExpired):
		return "session expired, please log in again"
	default:
		return "unauthorized"
	}
}

// TokenOnlyRequest carries just a session token for endpoints without
// other parameters.
type TokenOnlyRequest struct {
	Token string `json:"token,omitempty"`
}

// Bind implements the render.Binder interface
func (t *TokenOnlyRequest) Bind(r *http.Request) error {
	return nil
}

// List handles POST /api/admin/list
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	var req TokenOnlyRequest
	if err := render.Bind(r, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, &APIResponse{Success: false, Error: "invalid request body"})
		return
	}
	if !h.authorize(w, r, req.Token) {
		return
	}

	views := h.service.List(r.Context())
	render.Status(r, http.StatusOK)
	render.JSON(w, r, &APIResponse{Success: true, Data: views})
}

// Generate handles POST /api/admin/generate
func (h *AdminHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req GenerateRequest
	if err := render.Bind(r, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, &APIResponse{Success: false, Error: "invalid request body"})
		return
	}
	if !h.authorize(w, r, req.Token) {
		return
	}

	key, err := h.service.Generate(ctx, req.MaxUses, req.ExpiresDays, req.Note, h.requestInfo(r))
	if err != nil {
		h.logger.ErrorContext(ctx, "key generation failed",
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, &APIResponse{Success: false, Error: "failed to generate key"})
		return
	}

	keysIssuedTotal.Inc()
	render.Status(r, http.StatusOK)
	render.JSON(w, r, &APIResponse{Success: true, Data: key})
}

// Revoke handles POST /api/admin/revoke
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.keyAction(w, r, "revoke", h.service.Revoke)
}

// Delete handles POST /api/admin/delete
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.keyAction(w, r, "delete", h.service.Delete)
}

func (h *AdminHandler) keyAction(w http.ResponseWriter, r *http.Request, name string,
	action func(ctx context.Context, key string, req services.RequestInfo) error) {
	ctx := r.Context()
	var req KeyActionRequest
	if err := render.Bind(r, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, &APIResponse{Success: false, Error: "key is required"})
		return
	}
	if !h.authorize(w, r, req.Token) {
		return
	}

	if err := action(ctx, req.Key, h.requestInfo(r)); err != nil {
		if errors.Is(err, apperrors.ErrKeyNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, &APIResponse{Success: false, Error: "key not found"})
			return
		}
		h.logger.ErrorContext(ctx, "key action failed",
			slog.String("action", name),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, &APIResponse{Success: false, Error: "operation failed"})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, &APIResponse{Success: true})
}
