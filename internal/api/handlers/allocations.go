package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"staticip/internal/core"
	"staticip/internal/types"
)

// AllocationService is the contract the allocation handler depends on,
// implemented by the allocation coordinator.
type AllocationService interface {
	Allocate(ctx context.Context, userID, region string) (*types.Allocation, error)
	Release(ctx context.Context, userID, allocationID string) error
	ListUserAllocations(ctx context.Context, userID string) ([]*types.Allocation, error)
	ListAvailableRegions(ctx context.Context) ([]types.RegionAvailability, error)
}

// AllocateRequest is the request body for POST /v1/allocations.
type AllocateRequest struct {
	Region string `json:"region"`
}

// AllocationHandler manages static IP allocation endpoints.
type AllocationHandler struct {
	svc    AllocationService
	logger *slog.Logger
}

// NewAllocationHandler creates an AllocationHandler.
func NewAllocationHandler(svc AllocationService, logger *slog.Logger) *AllocationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AllocationHandler{svc: svc, logger: logger}
}

// Mount registers the allocation and region routes on the router.
func (h *AllocationHandler) Mount(r chi.Router) {
	r.Route("/allocations", func(r chi.Router) {
		r.Post("/", h.Allocate)
		r.Get("/", h.List)
		r.Delete("/{allocationID}", h.Release)
	})
	r.Get("/regions", h.Regions)
}

// Allocate handles POST /v1/allocations. Success means the allocation is
// ACTIVE: the IP is claimed and the node has the NAT binding in place.
func (h *AllocationHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	alloc, err := h.svc.Allocate(r.Context(), userID(r), req.Region)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, alloc)
}

// List handles GET /v1/allocations.
func (h *AllocationHandler) List(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.svc.ListUserAllocations(r.Context(), userID(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, allocs)
}

// Release handles DELETE /v1/allocations/{allocationID}. Idempotent: a second
// release of the same allocation succeeds without effect.
func (h *AllocationHandler) Release(w http.ResponseWriter, r *http.Request) {
	allocationID := chi.URLParam(r, "allocationID")
	if err := h.svc.Release(r.Context(), userID(r), allocationID); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]string{"status": "released"})
}

// Regions handles GET /v1/regions: regions with an online capable node,
// with current free IP counts.
func (h *AllocationHandler) Regions(w http.ResponseWriter, r *http.Request) {
	regions, err := h.svc.ListAvailableRegions(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, regions)
}
