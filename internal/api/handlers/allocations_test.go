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

	"staticip/internal/types"
)

func allocationRouter(svc *mockAllocationService) *chi.Mux {
	h := NewAllocationHandler(svc, testLogger())
	return newTestRouter(h.Mount)
}

func TestAllocationHandler_Allocate_Success(t *testing.T) {
	svc := new(mockAllocationService)
	router := allocationRouter(svc)

	svc.On("Allocate", mock.Anything, "user_1", "fra1").Return(&types.Allocation{
		ID:            "alloc_1",
		Region:        "fra1",
		PublicAddress: "198.51.100.7",
		Status:        types.AllocStatusActive,
	}, nil)

	w := doRequest(router, http.MethodPost, "/allocations", strings.NewReader(`{"region":"fra1"}`))
	assert.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Data types.Allocation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alloc_1", body.Data.ID)
	assert.Equal(t, types.AllocStatusActive, body.Data.Status)
}

func TestAllocationHandler_Allocate_NoSubscription(t *testing.T) {
	svc := new(mockAllocationService)
	router := allocationRouter(svc)

	svc.On("Allocate", mock.Anything, "user_1", "fra1").
		Return(nil, types.NewAppError(types.ErrCodeCapacityNoSubscription,
			"an active subscription is required to allocate a static IP", nil))

	w := doRequest(router, http.MethodPost, "/allocations", strings.NewReader(`{"region":"fra1"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(types.ErrCodeCapacityNoSubscription), body.Error.Code)
}

func TestAllocationHandler_Allocate_RequiresIdentity(t *testing.T) {
	svc := new(mockAllocationService)
	router := allocationRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/allocations", strings.NewReader(`{"region":"fra1"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "Allocate", mock.Anything, mock.Anything, mock.Anything)
}

func TestAllocationHandler_Allocate_BadJSON(t *testing.T) {
	svc := new(mockAllocationService)
	router := allocationRouter(svc)

	w := doRequest(router, http.MethodPost, "/allocations", strings.NewReader(`{"region":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "Allocate", mock.Anything, mock.Anything, mock.Anything)
}

func TestAllocationHandler_Release(t *testing.T) {
	svc := new(mockAllocationService)
	router := allocationRouter(svc)

	svc.On("Release", mock.Anything, "user_1", "alloc_1").Return(nil)

	w := doRequest(router, http.MethodDelete, "/allocations/alloc_1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestAllocationHandler_List(t *testing.T) {
	svc := new(mockAllocationService)
	router := allocationRouter(svc)

	svc.On("ListUserAllocations", mock.Anything, "user_1").Return([]*types.Allocation{
		{ID: "alloc_1", Region: "fra1"},
		{ID: "alloc_2", Region: "nyc3"},
	}, nil)

	w := doRequest(router, http.MethodGet, "/allocations", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []types.Allocation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data, 2)
}

func TestAllocationHandler_Regions(t *testing.T) {
	svc := new(mockAllocationService)
	router := allocationRouter(svc)

	svc.On("ListAvailableRegions", mock.Anything).Return([]types.RegionAvailability{
		{Region: "fra1", AvailableIPs: 3, OnlineNodes: 2},
	}, nil)

	w := doRequest(router, http.MethodGet, "/regions", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data []types.RegionAvailability `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "fra1", body.Data[0].Region)
}
