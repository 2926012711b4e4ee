package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "keyserve/internal/errors"
	"keyserve/internal/infrastructure"
	"keyserve/internal/middleware"
	"keyserve/internal/services"
)

// VerifyHandler handles public key verification requests.
type VerifyHandler struct {
	service *services.VerificationService
	logger  *slog.Logger
}

// NewVerifyHandler creates a new verification handler
func NewVerifyHandler(service *services.VerificationService, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "verify")),
	}
}

// VerifyRequest is the payload accepted by POST /api/verify.
type VerifyRequest struct {
	Key string `json:"key"`
}

// Bind implements the render.Binder interface for verification requests
func (v *VerifyRequest) Bind(r *http.Request) error {
	// Empty keys are handled in-band so the response stays HTTP 200.
	return nil
}

// VerifyResponse is the envelope returned by POST /api/verify.
// Failures are reported in-band: the endpoint always answers HTTP 200
// and clients inspect the success flag.
type VerifyResponse struct {
	Success bool                   `json:"success"`
	Data    *services.VerifyResult `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Routes returns a chi router for the public verification endpoint
func (h *VerifyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Verify)
	return r
}

// Verify handles POST /api/verify
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("verify-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "verify_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/verify"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	var req VerifyRequest
	if err := render.Bind(r, &req); err != nil {
		span.RecordError(err)
		h.respond(w, r, &VerifyResponse{Success: false, Error: "invalid request body"})
		verificationsTotal.WithLabelValues("malformed").Inc()
		return
	}

	result, err := h.service.Verify(ctx, req.Key, middleware.ClientIP(r), r.UserAgent())
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		h.logger.InfoContext(ctx, "verification rejected",
			slog.String("request_id", reqID),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.String("reason", err.Error()),
			slog.Duration("latency", latency),
		)
		verificationsTotal.WithLabelValues(verifyOutcome(err)).Inc()
		h.respond(w, r, &VerifyResponse{Success: false, Error: verifyMessage(err)})
		return
	}

	h.logger.InfoContext(ctx, "verification succeeded",
		slog.String("request_id", reqID),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.Int("remaining_uses", result.RemainingUses),
		slog.Duration("latency", latency),
	)
	verificationsTotal.WithLabelValues("success").Inc()
	h.respond(w, r, &VerifyResponse{Success: true, Data: result})
}

func (h *VerifyHandler) respond(w http.ResponseWriter, r *http.Request, resp *VerifyResponse) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// verifyMessage maps verification errors to the client-facing message.
// Anything beyond the two shape errors collapses into a single generic
// message so callers cannot probe which keys exist.
func verifyMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrMissingKey):
		return "please provide a key"
	case errors.Is(err, apperrors.ErrInvalidKeyFormat):
		return "key format is invalid"
	default:
		return "key is invalid or expired"
	}
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrMissingKey), errors.Is(err, apperrors.ErrInvalidKeyFormat):
		return "malformed"
	default:
		return "rejected"
	}
}
