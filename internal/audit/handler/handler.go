// Package handler exposes the audit pipeline's administrative HTTP surface.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "medgate/pkg/domain-errors"
	audit "medgate/pkg/platform/audit"
	"medgate/pkg/platform/audit/pipeline"
	"medgate/pkg/platform/httputil"
)

type Handler struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func New(p *pipeline.Pipeline, logger *slog.Logger) *Handler {
	return &Handler{pipeline: p, logger: logger}
}

// RegisterAdmin mounts the admin routes. Callers are expected to wrap the
// router in admin authentication middleware.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Put("/admin/audit/destinations/{name}", h.handleUpdateDestination)
	r.Get("/admin/audit/stats", h.handleStats)
}

func (h *Handler) handleUpdateDestination(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var cfg audit.DestinationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.pipeline.UpdateDestination(name, cfg); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "audit destination updated",
		"destination", name, "enabled", cfg.Enabled, "min_severity", cfg.MinSeverity)
	h.pipeline.Log(r.Context(), audit.Event{
		Name:     audit.EventDestinationChange,
		Severity: audit.SeverityInfo,
		Details: map[string]any{
			"destination":  name,
			"enabled":      cfg.Enabled,
			"min_severity": string(cfg.MinSeverity),
		},
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":      "updated",
		"destination": name,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.pipeline.Stats())
}
