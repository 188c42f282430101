// Package handlers contains the HTTP handler implementations for the static
// IP API. Handlers depend on locally defined service interfaces so tests can
// inject mocks without touching the concrete services.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"staticip/internal/core"
	"staticip/internal/subscription"
	"staticip/internal/types"
)

// userID returns the calling user's ID resolved by the identity middleware.
// The middleware rejects unauthenticated requests, so an empty ID cannot
// reach a handler.
func userID(r *http.Request) string {
	id, _ := types.GetUserID(r.Context())
	return id
}

// SubscriptionService is the contract the subscription handler depends on.
type SubscriptionService interface {
	Create(ctx context.Context, params subscription.CreateParams) (*types.Subscription, error)
	Get(ctx context.Context, userID string) (*types.Subscription, error)
	ChangePlan(ctx context.Context, userID string, newPlan types.PlanTier) (*types.Subscription, error)
	Cancel(ctx context.Context, userID string) error
}

// CreateSubscriptionRequest is the request body for POST /v1/subscriptions.
type CreateSubscriptionRequest struct {
	Plan        string `json:"plan"`
	Term        string `json:"term,omitempty"`
	AutoRenew   bool   `json:"auto_renew"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// ChangePlanRequest is the request body for PATCH /v1/subscriptions.
type ChangePlanRequest struct {
	Plan string `json:"plan"`
}

// SubscriptionHandler manages subscription lifecycle endpoints.
type SubscriptionHandler struct {
	svc    SubscriptionService
	logger *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(svc SubscriptionService, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{svc: svc, logger: logger}
}

// Mount registers the subscription routes on the router.
func (h *SubscriptionHandler) Mount(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.Get)
		r.Patch("/", h.ChangePlan)
		r.Delete("/", h.Cancel)
	})
}

// Create handles POST /v1/subscriptions.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.svc.Create(r.Context(), subscription.CreateParams{
		UserID:      userID(r),
		Plan:        types.PlanTier(req.Plan),
		Term:        types.PlanTerm(req.Term),
		AutoRenew:   req.AutoRenew,
		ExternalRef: req.ExternalRef,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, sub)
}

// Get handles GET /v1/subscriptions.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Get(r.Context(), userID(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sub)
}

// ChangePlan handles PATCH /v1/subscriptions.
func (h *SubscriptionHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.svc.ChangePlan(r.Context(), userID(r), types.PlanTier(req.Plan))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sub)
}

// Cancel handles DELETE /v1/subscriptions. Cancellation only stops renewal;
// allocations survive until expiry.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), userID(r)); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]string{"status": "cancelled"})
}
