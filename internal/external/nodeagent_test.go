package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticip/internal/types"
)

func newTestNodeAgent(gatewayURL string) *NodeAgentHTTPClient {
	return NewNodeAgentClientWithBase(fastRetryBase(), NodeAgentClientConfig{
		GatewayURL: gatewayURL,
		AuthToken:  "agent-token",
	})
}

func TestNodeAgent_ConfigureAllocation_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/nodes/node_1/allocations", r.URL.Path)
		assert.Equal(t, "Bearer agent-token", r.Header.Get("Authorization"))

		var cfg AllocationConfig
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
		assert.Equal(t, "alloc_1", cfg.AllocationID)
		assert.Equal(t, "198.51.100.7", cfg.PublicAddress)
		assert.Equal(t, "10.70.4.9", cfg.InternalAddress)

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestNodeAgent(server.URL)
	err := client.ConfigureAllocation(context.Background(), "node_1", AllocationConfig{
		AllocationID:    "alloc_1",
		PublicAddress:   "198.51.100.7",
		InternalAddress: "10.70.4.9",
	})
	require.NoError(t, err)
}

func TestNodeAgent_RejectionMapsToNodeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"firewall chain missing"}`))
	}))
	defer server.Close()

	client := newTestNodeAgent(server.URL)
	err := client.ApplyRule(context.Background(), "node_1", RuleConfig{RuleID: "pfr_1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeProvisioningNodeRejected, types.CodeOf(err))
}

func TestNodeAgent_OutageMapsToUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestNodeAgent(server.URL)
	err := client.SuspendRule(context.Background(), "node_1", "pfr_1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.True(t, types.IsTransient(err))
}

func TestNodeAgent_DeleteIs404Idempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestNodeAgent(server.URL)
	require.NoError(t, client.RemoveRule(context.Background(), "node_1", "pfr_gone"))
	require.NoError(t, client.TeardownAllocation(context.Background(), "node_1", "alloc_gone"))
}

func TestNodeAgent_RulePaths(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestNodeAgent(server.URL)
	require.NoError(t, client.SuspendRule(context.Background(), "node_1", "pfr_1"))
	require.NoError(t, client.ResumeRule(context.Background(), "node_1", "pfr_1"))
	require.NoError(t, client.RemoveRule(context.Background(), "node_1", "pfr_1"))

	assert.Equal(t, []string{
		"POST /v1/nodes/node_1/rules/pfr_1/suspend",
		"POST /v1/nodes/node_1/rules/pfr_1/resume",
		"DELETE /v1/nodes/node_1/rules/pfr_1",
	}, paths)
}
