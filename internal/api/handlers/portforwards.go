package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"staticip/internal/core"
	"staticip/internal/portforward"
	"staticip/internal/types"
)

// PortForwardService is the contract the port forward handler depends on.
type PortForwardService interface {
	Create(ctx context.Context, userID string, params portforward.CreateParams) (*types.PortForwardRule, error)
	Retry(ctx context.Context, userID, ruleID string) (*types.PortForwardRule, error)
	List(ctx context.Context, userID, allocationID string) ([]*types.PortForwardRule, error)
	Toggle(ctx context.Context, userID, ruleID string, enabled bool) (*types.PortForwardRule, error)
	Delete(ctx context.Context, userID, ruleID string) error
	PurchaseAddon(ctx context.Context, userID, allocationID string, extraPorts int) (*types.PortForwardAddon, error)
	ReportUsage(ctx context.Context, ruleID string, bytesIn, bytesOut int64) error
}

// CreateRuleRequest is the request body for
// POST /v1/allocations/{allocationID}/port-forwards.
type CreateRuleRequest struct {
	ExternalPort     int      `json:"external_port"`
	InternalPort     int      `json:"internal_port"`
	InternalAddress  string   `json:"internal_address,omitempty"`
	Protocol         string   `json:"protocol"`
	AllowedSourceIPs []string `json:"allowed_source_ips,omitempty"`
}

// ToggleRuleRequest is the request body for PATCH /v1/port-forwards/{ruleID}.
type ToggleRuleRequest struct {
	Enabled *bool `json:"enabled"`
}

// PurchaseAddonRequest is the request body for
// POST /v1/allocations/{allocationID}/port-forward-addons.
type PurchaseAddonRequest struct {
	ExtraPorts int `json:"extra_ports"`
}

// RuleUsageRequest is the request body for the internal usage report endpoint
// called by node agents.
type RuleUsageRequest struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
}

// PortForwardHandler manages port forward rule and addon endpoints.
type PortForwardHandler struct {
	svc    PortForwardService
	logger *slog.Logger
}

// NewPortForwardHandler creates a PortForwardHandler.
func NewPortForwardHandler(svc PortForwardService, logger *slog.Logger) *PortForwardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortForwardHandler{svc: svc, logger: logger}
}

// Mount registers the port forward routes on the authenticated router.
func (h *PortForwardHandler) Mount(r chi.Router) {
	r.Route("/allocations/{allocationID}/port-forwards", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
	})
	r.Route("/allocations/{allocationID}/port-forward-addons", func(r chi.Router) {
		r.Post("/", h.PurchaseAddon)
	})
	r.Route("/port-forwards/{ruleID}", func(r chi.Router) {
		r.Patch("/", h.Toggle)
		r.Delete("/", h.Delete)
		r.Post("/retry", h.Retry)
	})
}

// MountInternal registers the node-agent-facing usage endpoint. Mounted
// behind the internal route group, not the user identity middleware.
func (h *PortForwardHandler) MountInternal(r chi.Router) {
	r.Post("/rules/{ruleID}/usage", h.ReportUsage)
}

// Create handles POST /v1/allocations/{allocationID}/port-forwards.
func (h *PortForwardHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	rule, err := h.svc.Create(r.Context(), userID(r), portforward.CreateParams{
		AllocationID:     chi.URLParam(r, "allocationID"),
		ExternalPort:     req.ExternalPort,
		InternalPort:     req.InternalPort,
		InternalAddress:  req.InternalAddress,
		Protocol:         types.Protocol(req.Protocol),
		AllowedSourceIPs: req.AllowedSourceIPs,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, rule)
}

// List handles GET /v1/allocations/{allocationID}/port-forwards.
func (h *PortForwardHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.List(r.Context(), userID(r), chi.URLParam(r, "allocationID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, rules)
}

// Toggle handles PATCH /v1/port-forwards/{ruleID}. Only the enabled flag is
// mutable; everything else requires delete-and-recreate.
func (h *PortForwardHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req ToggleRuleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Enabled == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"enabled is required", nil))
		return
	}

	rule, err := h.svc.Toggle(r.Context(), userID(r),
		chi.URLParam(r, "ruleID"), *req.Enabled)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, rule)
}

// Delete handles DELETE /v1/port-forwards/{ruleID}. Idempotent.
func (h *PortForwardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), userID(r), chi.URLParam(r, "ruleID")); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// Retry handles POST /v1/port-forwards/{ruleID}/retry: re-attempts the node
// apply for a rule left pending by an earlier node failure.
func (h *PortForwardHandler) Retry(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.Retry(r.Context(), userID(r), chi.URLParam(r, "ruleID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, rule)
}

// PurchaseAddon handles POST /v1/allocations/{allocationID}/port-forward-addons.
func (h *PortForwardHandler) PurchaseAddon(w http.ResponseWriter, r *http.Request) {
	var req PurchaseAddonRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	addon, err := h.svc.PurchaseAddon(r.Context(), userID(r),
		chi.URLParam(r, "allocationID"), req.ExtraPorts)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, addon)
}

// ReportUsage handles POST /internal/rules/{ruleID}/usage.
func (h *PortForwardHandler) ReportUsage(w http.ResponseWriter, r *http.Request) {
	var req RuleUsageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.svc.ReportUsage(r.Context(), chi.URLParam(r, "ruleID"), req.BytesIn, req.BytesOut); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]string{"status": "recorded"})
}
