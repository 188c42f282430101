package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticip/internal/types"
)

func fastRetryBase() *BaseClient {
	c := NewBaseClient(http.DefaultClient, "provisioner-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: time.Millisecond}, "StaticIP/1.0")
	c.sleepFn = func(time.Duration) {}
	return c
}

func newTestProvisioner(baseURL string) *ProvisionerHTTPClient {
	return NewProvisionerClientWithBase(fastRetryBase(), ProvisionerClientConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
	})
}

func TestProvisioner_ProvisionStaticIP_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/static-ips", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body provisionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fra1", body.Region)
		assert.Equal(t, "node_1", body.NodeID)

		json.NewEncoder(w).Encode(provisionResponse{
			Address:          "198.51.100.9",
			ResourceRef:      "eip-abc",
			Region:           "fra1",
			MonthlyCostCents: 350,
		})
	}))
	defer server.Close()

	client := newTestProvisioner(server.URL)
	result, err := client.ProvisionStaticIP(context.Background(), "fra1", "node_1")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", result.Address)
	assert.Equal(t, "eip-abc", result.CloudResourceRef)
	assert.Equal(t, 350, result.MonthlyCostCents)
}

func TestProvisioner_ProvisionStaticIP_IncompleteResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(provisionResponse{Region: "fra1"})
	}))
	defer server.Close()

	client := newTestProvisioner(server.URL)
	_, err := client.ProvisionStaticIP(context.Background(), "fra1", "node_1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeProvisioningFailed, types.CodeOf(err))
}

func TestProvisioner_ProvisionStaticIP_ProviderRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"region quota exceeded"}`))
	}))
	defer server.Close()

	client := newTestProvisioner(server.URL)
	_, err := client.ProvisionStaticIP(context.Background(), "fra1", "node_1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeProvisioningFailed, types.CodeOf(err))
	assert.False(t, types.IsTransient(err), "a 4xx rejection must not be retried by callers")
}

func TestProvisioner_ProvisionStaticIP_OutageIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestProvisioner(server.URL)
	_, err := client.ProvisionStaticIP(context.Background(), "fra1", "node_1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.True(t, types.IsTransient(err))
}

func TestProvisioner_DeprovisionStaticIP_404IsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/static-ips/eip-abc", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestProvisioner(server.URL)
	err := client.DeprovisionStaticIP(context.Background(), "eip-abc")
	require.NoError(t, err, "deprovision retries must stay idempotent")
}

func TestProvisioner_DeprovisionStaticIP_EmptyRef(t *testing.T) {
	client := newTestProvisioner("http://unused.invalid")
	err := client.DeprovisionStaticIP(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))
}

func TestProvisioner_VerifyStaticIP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/static-ips/eip-routed":
			json.NewEncoder(w).Encode(verifyResponse{ResourceRef: "eip-routed", Routed: true})
		case "/v1/static-ips/eip-pending":
			json.NewEncoder(w).Encode(verifyResponse{ResourceRef: "eip-pending", Routed: false})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestProvisioner(server.URL)

	ok, err := client.VerifyStaticIP(context.Background(), "eip-routed")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.VerifyStaticIP(context.Background(), "eip-pending")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = client.VerifyStaticIP(context.Background(), "eip-gone")
	require.NoError(t, err)
	assert.False(t, ok, "a missing reservation is unverified, not an error")
}

func TestProvisioner_ListRegions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/regions", r.URL.Path)
		json.NewEncoder(w).Encode(listRegionsResponse{Regions: []string{"fra1", "nyc3", "sgp1"}})
	}))
	defer server.Close()

	client := newTestProvisioner(server.URL)
	regions, err := client.ListRegions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fra1", "nyc3", "sgp1"}, regions)
}
