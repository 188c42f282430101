package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"staticip/internal/subscription"
	"staticip/internal/types"
)

func subscriptionRouter(svc *mockSubscriptionService) *chi.Mux {
	h := NewSubscriptionHandler(svc, testLogger())
	return newTestRouter(h.Mount)
}

func TestSubscriptionHandler_Create(t *testing.T) {
	svc := new(mockSubscriptionService)
	router := subscriptionRouter(svc)

	svc.On("Create", mock.Anything, subscription.CreateParams{
		UserID:    "user_1",
		Plan:      types.PlanPro,
		Term:      types.TermMonthly,
		AutoRenew: true,
	}).Return(&types.Subscription{ID: "sub_1", Plan: types.PlanPro}, nil)

	w := doRequest(router, http.MethodPost, "/subscriptions",
		strings.NewReader(`{"plan":"PRO","term":"monthly","auto_renew":true}`))
	assert.Equal(t, http.StatusCreated, w.Code)
	svc.AssertExpectations(t)
}

func TestSubscriptionHandler_Create_DuplicateConflict(t *testing.T) {
	svc := new(mockSubscriptionService)
	router := subscriptionRouter(svc)

	svc.On("Create", mock.Anything, mock.Anything).
		Return(nil, types.NewAppError(types.ErrCodeConflictSubscriptionExists,
			"user already has an active subscription", nil))

	w := doRequest(router, http.MethodPost, "/subscriptions",
		strings.NewReader(`{"plan":"PRO"}`))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubscriptionHandler_ChangePlan_DowngradeDetails(t *testing.T) {
	svc := new(mockSubscriptionService)
	router := subscriptionRouter(svc)

	svc.On("ChangePlan", mock.Anything, "user_1", types.PlanPersonal).
		Return(nil, types.NewAppErrorWithDetails(types.ErrCodeConflictPlanDowngrade,
			"release static IPs before downgrading", nil,
			map[string]any{"regions_used": 2, "regions_included": 1}))

	w := doRequest(router, http.MethodPatch, "/subscriptions",
		strings.NewReader(`{"plan":"PERSONAL"}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	var body struct {
		Error struct {
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body.Error.Details["regions_used"])
}

func TestSubscriptionHandler_Cancel(t *testing.T) {
	svc := new(mockSubscriptionService)
	router := subscriptionRouter(svc)

	svc.On("Cancel", mock.Anything, "user_1").Return(nil)

	w := doRequest(router, http.MethodDelete, "/subscriptions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestSubscriptionHandler_Get_NotFound(t *testing.T) {
	svc := new(mockSubscriptionService)
	router := subscriptionRouter(svc)

	svc.On("Get", mock.Anything, "user_1").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription", nil))

	w := doRequest(router, http.MethodGet, "/subscriptions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
