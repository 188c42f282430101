package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticip/internal/types"
)

func newTestClient(policy RetryPolicy) *BaseClient {
	c := NewBaseClient(http.DefaultClient, "test", policy, "StaticIP/1.0")
	c.sleepFn = func(time.Duration) {}
	return c
}

func TestBaseClient_RetriesOn500ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBaseClient_ExhaustedRetriesMapTo_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.True(t, types.IsTransient(err))
}

func TestBaseClient_RateLimitMapsTo_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, types.CodeOf(err))
}

func TestBaseClient_NonRetryableStatusReturnsResponse(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client := newTestClient(RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	// 4xx is the caller's problem, not a transport failure: no retry.
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBaseClient_InjectsTraceAndUserAgent(t *testing.T) {
	var gotTrace, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(DefaultRetryPolicy())

	ctx := types.WithRequestID(context.Background(), "req_abc123")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req_abc123", gotTrace)
	assert.Equal(t, "StaticIP/1.0", gotUA)
}

func TestBaseClient_ReplaysBodyOnRetry(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		lastBody.Store(string(buf))
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"region":"fra1"}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, `{"region":"fra1"}`, lastBody.Load(), "the retried request must carry the full body")
}

func TestBaseClient_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond})

	// Trip the breaker: more than 5 consecutive failures.
	for i := 0; i < 6; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		_, err := client.Do(req)
		require.Error(t, err)
	}
	tripped := calls.Load()

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, types.CodeOf(err))
	assert.Equal(t, tripped, calls.Load(), "an open breaker must not hit the upstream")
}

func TestComputeBackoff_HonorsRetryAfterSeconds(t *testing.T) {
	client := newTestClient(RetryPolicy{MaxRetries: 2, MinWait: 100 * time.Millisecond, MaxWait: 3 * time.Second})

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, client.computeBackoff(0, resp))

	// Clamped to MaxWait.
	resp.Header.Set("Retry-After", "60")
	assert.Equal(t, 3*time.Second, client.computeBackoff(0, resp))
}

func TestComputeBackoff_JitterStaysWithinBounds(t *testing.T) {
	client := newTestClient(RetryPolicy{MaxRetries: 3, MinWait: 100 * time.Millisecond, MaxWait: time.Second})

	for attempt := 0; attempt < 4; attempt++ {
		for i := 0; i < 20; i++ {
			wait := client.computeBackoff(attempt, nil)
			assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
			assert.LessOrEqual(t, wait, time.Second)
		}
	}
}
