package http

import (
	_ "embed"
	"log/slog"
	"net/http"

	"keyserve/internal/middleware"
)

//go:embed panel.html
var panelHTML []byte

// PanelHandler serves the embedded admin panel page. The page itself is
// static; every privileged action it performs goes through the
// token-gated /api/admin endpoints.
type PanelHandler struct {
	path   string
	logger *slog.Logger
}

// NewPanelHandler creates a new panel handler
func NewPanelHandler(path string, logger *slog.Logger) *PanelHandler {
	return &PanelHandler{
		path:   path,
		logger: logger.With(slog.String("handler", "panel")),
	}
}

// Panel handles GET /{panelPath}
func (h *PanelHandler) Panel(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "admin panel served",
		slog.String("ip", middleware.ClientIP(r)))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(panelHTML)
}
