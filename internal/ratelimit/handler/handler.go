// Package handler exposes the rate limiter's administrative HTTP surface.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"medgate/internal/ratelimit/models"
	"medgate/internal/ratelimit/service"
	dErrors "medgate/pkg/domain-errors"
	"medgate/pkg/platform/httputil"
)

// Handler is the thin HTTP layer over the limiter service. It parses and
// validates requests; policy decisions live in the service.
type Handler struct {
	svc    *service.Service
	logger *slog.Logger
}

func New(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterAdmin mounts the admin routes. Callers are expected to wrap the
// router in admin authentication middleware.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Put("/admin/rate-limit/policies", h.handleUpdatePolicy)
	r.Get("/admin/rate-limit/policies", h.handleListPolicies)
	r.Post("/admin/rate-limit/reset", h.handleReset)
	r.Get("/admin/rate-limit/info", h.handleInfo)
	r.Get("/admin/rate-limit/stats", h.handleStats)
}

func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req models.UpdatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	if err := h.svc.UpdatePolicy(r.Context(), req.Pattern, req.Policy()); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "updated",
		"pattern": req.Pattern,
	})
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Policies())
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var req models.ResetLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid request body"))
		return
	}
	if req.Identity == "" || req.Path == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "identity and path are required"))
		return
	}

	if err := h.svc.Reset(r.Context(), req.Identity, req.Path); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	path := r.URL.Query().Get("path")
	if identity == "" || path == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "identity and path query parameters are required"))
		return
	}

	info, err := h.svc.Info(r.Context(), identity, path)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Stats(r.Context()))
}
