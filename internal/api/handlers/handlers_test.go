package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"

	"staticip/internal/core"
	"staticip/internal/portforward"
	"staticip/internal/subscription"
	"staticip/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRouter mounts the handler behind the identity middleware, the way
// cmd/api wires the /v1 group.
func newTestRouter(mount func(chi.Router)) *chi.Mux {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(core.UserIdentity)
		mount(r)
	})
	return r
}

// doRequest performs a request as user_1 against the router.
func doRequest(router http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-User-ID", "user_1")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Service mocks ---

type mockAllocationService struct{ mock.Mock }

func (m *mockAllocationService) Allocate(ctx context.Context, userID, region string) (*types.Allocation, error) {
	args := m.Called(ctx, userID, region)
	if a := args.Get(0); a != nil {
		return a.(*types.Allocation), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockAllocationService) Release(ctx context.Context, userID, allocationID string) error {
	return m.Called(ctx, userID, allocationID).Error(0)
}
func (m *mockAllocationService) ListUserAllocations(ctx context.Context, userID string) ([]*types.Allocation, error) {
	args := m.Called(ctx, userID)
	if a := args.Get(0); a != nil {
		return a.([]*types.Allocation), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockAllocationService) ListAvailableRegions(ctx context.Context) ([]types.RegionAvailability, error) {
	args := m.Called(ctx)
	if a := args.Get(0); a != nil {
		return a.([]types.RegionAvailability), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSubscriptionService struct{ mock.Mock }

func (m *mockSubscriptionService) Create(ctx context.Context, params subscription.CreateParams) (*types.Subscription, error) {
	args := m.Called(ctx, params)
	if s := args.Get(0); s != nil {
		return s.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockSubscriptionService) Get(ctx context.Context, userID string) (*types.Subscription, error) {
	args := m.Called(ctx, userID)
	if s := args.Get(0); s != nil {
		return s.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockSubscriptionService) ChangePlan(ctx context.Context, userID string, newPlan types.PlanTier) (*types.Subscription, error) {
	args := m.Called(ctx, userID, newPlan)
	if s := args.Get(0); s != nil {
		return s.(*types.Subscription), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockSubscriptionService) Cancel(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

type mockPortForwardService struct{ mock.Mock }

func (m *mockPortForwardService) Create(ctx context.Context, userID string, params portforward.CreateParams) (*types.PortForwardRule, error) {
	args := m.Called(ctx, userID, params)
	if r := args.Get(0); r != nil {
		return r.(*types.PortForwardRule), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockPortForwardService) Retry(ctx context.Context, userID, ruleID string) (*types.PortForwardRule, error) {
	args := m.Called(ctx, userID, ruleID)
	if r := args.Get(0); r != nil {
		return r.(*types.PortForwardRule), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockPortForwardService) List(ctx context.Context, userID, allocationID string) ([]*types.PortForwardRule, error) {
	args := m.Called(ctx, userID, allocationID)
	if r := args.Get(0); r != nil {
		return r.([]*types.PortForwardRule), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockPortForwardService) Toggle(ctx context.Context, userID, ruleID string, enabled bool) (*types.PortForwardRule, error) {
	args := m.Called(ctx, userID, ruleID, enabled)
	if r := args.Get(0); r != nil {
		return r.(*types.PortForwardRule), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockPortForwardService) Delete(ctx context.Context, userID, ruleID string) error {
	return m.Called(ctx, userID, ruleID).Error(0)
}
func (m *mockPortForwardService) PurchaseAddon(ctx context.Context, userID, allocationID string, extraPorts int) (*types.PortForwardAddon, error) {
	args := m.Called(ctx, userID, allocationID, extraPorts)
	if a := args.Get(0); a != nil {
		return a.(*types.PortForwardAddon), args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockPortForwardService) ReportUsage(ctx context.Context, ruleID string, bytesIn, bytesOut int64) error {
	return m.Called(ctx, ruleID, bytesIn, bytesOut).Error(0)
}
