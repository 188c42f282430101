package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"staticip/internal/types"
)

// NodeAgentClientConfig holds the configuration for creating a
// NodeAgentHTTPClient.
type NodeAgentClientConfig struct {
	GatewayURL string
	AuthToken  string
	Logger     *slog.Logger
}

// NodeAgentHTTPClient implements NodeAgent by calling the node agent gateway
// through BaseClient. The gateway routes /v1/nodes/{node_id}/... requests to
// the concrete agent process on that node.
type NodeAgentHTTPClient struct {
	base       *BaseClient
	authToken  string
	gatewayURL string
	logger     *slog.Logger
}

// NewNodeAgentClient creates a new NodeAgentHTTPClient. Node agent calls are
// interactive (a user is waiting on rule creation), so the retry policy is
// tighter than the provisioner's.
func NewNodeAgentClient(httpClient *http.Client, cfg NodeAgentClientConfig) *NodeAgentHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"node-agent",
		RetryPolicy{
			MaxRetries: 1,
			MinWait:    500 * time.Millisecond,
			MaxWait:    3 * time.Second,
		},
		"StaticIP/1.0",
	)

	return &NodeAgentHTTPClient{
		base:       base,
		authToken:  cfg.AuthToken,
		gatewayURL: strings.TrimSuffix(cfg.GatewayURL, "/"),
		logger:     logger,
	}
}

// NewNodeAgentClientWithBase creates a NodeAgentHTTPClient with a
// pre-configured BaseClient. Useful in tests to control retry behavior.
func NewNodeAgentClientWithBase(base *BaseClient, cfg NodeAgentClientConfig) *NodeAgentHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeAgentHTTPClient{
		base:       base,
		authToken:  cfg.AuthToken,
		gatewayURL: strings.TrimSuffix(cfg.GatewayURL, "/"),
		logger:     logger,
	}
}

// ConfigureAllocation installs the public-IP-to-tunnel binding on the node.
// POSTs to /v1/nodes/{node_id}/allocations.
func (c *NodeAgentHTTPClient) ConfigureAllocation(ctx context.Context, nodeID string, cfg AllocationConfig) error {
	c.logger.InfoContext(ctx, "configuring allocation on node",
		"node_id", nodeID,
		"allocation_id", cfg.AllocationID,
		"public_address", cfg.PublicAddress,
	)
	return c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/nodes/%s/allocations", nodeID), cfg, "ConfigureAllocation")
}

// TeardownAllocation removes the binding and every NAT mapping under it.
// DELETEs /v1/nodes/{node_id}/allocations/{allocation_id}; a 404 from the
// agent is success.
func (c *NodeAgentHTTPClient) TeardownAllocation(ctx context.Context, nodeID, allocationID string) error {
	c.logger.InfoContext(ctx, "tearing down allocation on node",
		"node_id", nodeID,
		"allocation_id", allocationID,
	)
	return c.doJSON(ctx, http.MethodDelete,
		fmt.Sprintf("/v1/nodes/%s/allocations/%s", nodeID, allocationID), nil, "TeardownAllocation")
}

// ApplyRule installs one NAT mapping. POSTs to /v1/nodes/{node_id}/rules.
func (c *NodeAgentHTTPClient) ApplyRule(ctx context.Context, nodeID string, cfg RuleConfig) error {
	c.logger.InfoContext(ctx, "applying rule on node",
		"node_id", nodeID,
		"rule_id", cfg.RuleID,
		"external_port", cfg.ExternalPort,
		"protocol", cfg.Protocol,
	)
	return c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/nodes/%s/rules", nodeID), cfg, "ApplyRule")
}

// RemoveRule removes one NAT mapping. DELETEs
// /v1/nodes/{node_id}/rules/{rule_id}; a 404 from the agent is success.
func (c *NodeAgentHTTPClient) RemoveRule(ctx context.Context, nodeID, ruleID string) error {
	c.logger.InfoContext(ctx, "removing rule on node",
		"node_id", nodeID,
		"rule_id", ruleID,
	)
	return c.doJSON(ctx, http.MethodDelete,
		fmt.Sprintf("/v1/nodes/%s/rules/%s", nodeID, ruleID), nil, "RemoveRule")
}

// SuspendRule disables a mapping in place. POSTs to
// /v1/nodes/{node_id}/rules/{rule_id}/suspend.
func (c *NodeAgentHTTPClient) SuspendRule(ctx context.Context, nodeID, ruleID string) error {
	c.logger.InfoContext(ctx, "suspending rule on node",
		"node_id", nodeID,
		"rule_id", ruleID,
	)
	return c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/nodes/%s/rules/%s/suspend", nodeID, ruleID), nil, "SuspendRule")
}

// ResumeRule re-enables a previously suspended mapping. POSTs to
// /v1/nodes/{node_id}/rules/{rule_id}/resume.
func (c *NodeAgentHTTPClient) ResumeRule(ctx context.Context, nodeID, ruleID string) error {
	c.logger.InfoContext(ctx, "resuming rule on node",
		"node_id", nodeID,
		"rule_id", ruleID,
	)
	return c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/nodes/%s/rules/%s/resume", nodeID, ruleID), nil, "ResumeRule")
}

// doJSON executes one gateway request with the shared auth header, treating
// 404 on DELETE as idempotent success and mapping other failures through
// handleErrorResponse.
func (c *NodeAgentHTTPClient) doJSON(ctx context.Context, method, path string, payload any, operation string) error {
	var body io.Reader
	if payload != nil {
		bodyBytes, err := json.Marshal(payload)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to serialize node agent payload", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.gatewayURL+path, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create node agent request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.base.Do(req)
	if err != nil {
		return c.wrapError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
		c.logger.InfoContext(ctx, "node agent resource already absent",
			"operation", operation,
		)
		return nil
	}
	if resp.StatusCode >= 400 {
		return c.handleErrorResponse(resp, operation)
	}
	return nil
}

// handleErrorResponse maps non-2xx gateway responses to AppErrors. A 4xx is a
// node-level rejection (bad config, unknown node); 5xx is a transient outage.
func (c *NodeAgentHTTPClient) handleErrorResponse(resp *http.Response, operation string) *types.AppError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	bodyStr := string(bodyBytes)

	c.logger.Error("node agent API error",
		"operation", operation,
		"status_code", resp.StatusCode,
		"response_body", bodyStr,
	)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return types.NewAppError(types.ErrCodeProvisioningNodeRejected,
			fmt.Sprintf("node rejected %s (%d)", operation, resp.StatusCode),
			fmt.Errorf("node agent %s returned %d: %s", operation, resp.StatusCode, bodyStr))
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("node agent server error (%d): %s", resp.StatusCode, operation),
		fmt.Errorf("node agent %s returned %d: %s", operation, resp.StatusCode, bodyStr))
}

// wrapError converts errors from BaseClient.Do into node-agent-scoped errors,
// preserving the error code.
func (c *NodeAgentHTTPClient) wrapError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return types.NewAppError(appErr.Code,
			fmt.Sprintf("node agent %s: %s", operation, appErr.Message),
			appErr.Err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("node agent %s failed", operation), err)
}

// Compile-time interface compliance check.
var _ NodeAgent = (*NodeAgentHTTPClient)(nil)
