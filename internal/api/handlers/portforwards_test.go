package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"staticip/internal/portforward"
	"staticip/internal/types"
)

func portForwardRouter(svc *mockPortForwardService) *chi.Mux {
	h := NewPortForwardHandler(svc, testLogger())
	return newTestRouter(h.Mount)
}

func TestPortForwardHandler_Create(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	svc.On("Create", mock.Anything, "user_1", portforward.CreateParams{
		AllocationID:     "alloc_1",
		ExternalPort:     8443,
		InternalPort:     443,
		Protocol:         types.ProtocolTCP,
		AllowedSourceIPs: []string{"203.0.113.0/24"},
	}).Return(&types.PortForwardRule{ID: "pfr_1", Status: types.RuleStatusActive}, nil)

	w := doRequest(router, http.MethodPost, "/allocations/alloc_1/port-forwards",
		strings.NewReader(`{"external_port":8443,"internal_port":443,"protocol":"tcp","allowed_source_ips":["203.0.113.0/24"]}`))
	assert.Equal(t, http.StatusCreated, w.Code)
	svc.AssertExpectations(t)
}

func TestPortForwardHandler_Create_BlockedPort(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	svc.On("Create", mock.Anything, "user_1", mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeValidationPortBlocked,
			"port 22 is blocked by platform policy", nil))

	w := doRequest(router, http.MethodPost, "/allocations/alloc_1/port-forwards",
		strings.NewReader(`{"external_port":22,"internal_port":22,"protocol":"tcp"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPortForwardHandler_Create_QuotaExceeded(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	svc.On("Create", mock.Anything, "user_1", mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeCapacityPortForwardLimit,
			"port forward limit reached", nil))

	w := doRequest(router, http.MethodPost, "/allocations/alloc_1/port-forwards",
		strings.NewReader(`{"external_port":8443,"internal_port":443,"protocol":"tcp"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPortForwardHandler_Toggle_RequiresEnabledField(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	w := doRequest(router, http.MethodPatch, "/port-forwards/pfr_1",
		strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "Toggle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPortForwardHandler_Toggle_Disable(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	svc.On("Toggle", mock.Anything, "user_1", "pfr_1", false).
		Return(&types.PortForwardRule{ID: "pfr_1", Status: types.RuleStatusDisabled}, nil)

	w := doRequest(router, http.MethodPatch, "/port-forwards/pfr_1",
		strings.NewReader(`{"enabled":false}`))
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data types.PortForwardRule `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, types.RuleStatusDisabled, body.Data.Status)
}

func TestPortForwardHandler_Delete(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	svc.On("Delete", mock.Anything, "user_1", "pfr_1").Return(nil)

	w := doRequest(router, http.MethodDelete, "/port-forwards/pfr_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestPortForwardHandler_Retry(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	svc.On("Retry", mock.Anything, "user_1", "pfr_1").
		Return(&types.PortForwardRule{ID: "pfr_1", Status: types.RuleStatusActive}, nil)

	w := doRequest(router, http.MethodPost, "/port-forwards/pfr_1/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPortForwardHandler_PurchaseAddon(t *testing.T) {
	svc := new(mockPortForwardService)
	router := portForwardRouter(svc)

	svc.On("PurchaseAddon", mock.Anything, "user_1", "alloc_1", 5).
		Return(&types.PortForwardAddon{ID: "addon_1", ExtraPorts: 5}, nil)

	w := doRequest(router, http.MethodPost, "/allocations/alloc_1/port-forward-addons",
		strings.NewReader(`{"extra_ports":5}`))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPortForwardHandler_ReportUsage_InternalRoute(t *testing.T) {
	svc := new(mockPortForwardService)
	h := NewPortForwardHandler(svc, testLogger())

	// The internal group carries no user identity middleware: node agents
	// authenticate at the gateway, not as users.
	router := chi.NewRouter()
	router.Route("/internal", h.MountInternal)

	svc.On("ReportUsage", mock.Anything, "pfr_1", int64(2048), int64(512)).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/internal/rules/pfr_1/usage",
		strings.NewReader(`{"bytes_in":2048,"bytes_out":512}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}
