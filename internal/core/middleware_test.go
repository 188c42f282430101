package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticip/internal/config"
	"staticip/internal/types"
)

func TestRequestID_HonorsInboundHeader(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "req_inbound")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "req_inbound", got)
	assert.Equal(t, "req_inbound", w.Header().Get("X-Request-Id"))
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEmpty(t, got)
	assert.Equal(t, got, w.Header().Get("X-Request-Id"))
}

func TestUserIdentity_RejectsMissingHeader(t *testing.T) {
	handler := UserIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached without an identity")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(types.ErrCodeValidationMissingField), body.Error.Code)
}

func TestUserIdentity_StoresUserOnContext(t *testing.T) {
	var got string
	handler := UserIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = types.GetUserID(r.Context())
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-User-ID", "user_1")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "user_1", got)
}

func TestRecoverer_ConvertsPanicTo500(t *testing.T) {
	srv, err := NewServer(&config.Config{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil map write")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), body.Error.Code)
}
