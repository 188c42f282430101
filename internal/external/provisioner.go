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

// ProvisionerClientConfig holds the configuration for creating a
// ProvisionerHTTPClient.
type ProvisionerClientConfig struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
}

// provisionRequest is the payload POSTed to the provider's /v1/static-ips
// endpoint.
type provisionRequest struct {
	Region string `json:"region"`
	NodeID string `json:"node_id"`
}

// provisionResponse is the provider's reply to a provision request.
type provisionResponse struct {
	Address          string `json:"address"`
	ResourceRef      string `json:"resource_ref"`
	Region           string `json:"region"`
	MonthlyCostCents int    `json:"monthly_cost_cents"`
}

// verifyResponse is the provider's reply to a verification probe.
type verifyResponse struct {
	ResourceRef string `json:"resource_ref"`
	Routed      bool   `json:"routed"`
}

// listRegionsResponse is the provider's reply to a region listing.
type listRegionsResponse struct {
	Regions []string `json:"regions"`
}

// ProvisionerHTTPClient implements CloudProvisioner by calling the cloud
// provider's REST API through BaseClient, inheriting the platform's circuit
// breaker, retries, and error mapping.
type ProvisionerHTTPClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewProvisionerClient creates a new ProvisionerHTTPClient. The httpClient
// timeout should cover a full provision round-trip (providers can take tens
// of seconds to attach an address).
func NewProvisionerClient(httpClient *http.Client, cfg ProvisionerClientConfig) *ProvisionerHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"provisioner",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    1 * time.Second,
			MaxWait:    10 * time.Second,
		},
		"StaticIP/1.0",
	)

	return &ProvisionerHTTPClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// NewProvisionerClientWithBase creates a ProvisionerHTTPClient with a
// pre-configured BaseClient. Useful in tests to control retry behavior.
func NewProvisionerClientWithBase(base *BaseClient, cfg ProvisionerClientConfig) *ProvisionerHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisionerHTTPClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// ProvisionStaticIP reserves a new public IP in the region, attached to the
// node. POSTs to /v1/static-ips.
func (c *ProvisionerHTTPClient) ProvisionStaticIP(ctx context.Context, region, nodeID string) (*ProvisionResult, error) {
	bodyBytes, err := json.Marshal(provisionRequest{Region: region, NodeID: nodeID})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to serialize provision request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/static-ips", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create provision request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.InfoContext(ctx, "provisioning static IP",
		"region", region,
		"node_id", nodeID,
	)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, c.wrapError("ProvisionStaticIP", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.handleErrorResponse(resp, "ProvisionStaticIP")
	}

	var provResp provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&provResp); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode provision response", err)
	}
	if provResp.Address == "" || provResp.ResourceRef == "" {
		return nil, types.NewAppError(types.ErrCodeProvisioningFailed,
			"provider returned incomplete provision result", nil)
	}

	c.logger.InfoContext(ctx, "static IP provisioned",
		"region", region,
		"address", provResp.Address,
		"resource_ref", provResp.ResourceRef,
	)

	return &ProvisionResult{
		Address:          provResp.Address,
		CloudResourceRef: provResp.ResourceRef,
		Region:           provResp.Region,
		MonthlyCostCents: provResp.MonthlyCostCents,
	}, nil
}

// DeprovisionStaticIP releases the cloud reservation. DELETEs
// /v1/static-ips/{ref}. A 404 from the provider is treated as success so
// release retries stay idempotent.
func (c *ProvisionerHTTPClient) DeprovisionStaticIP(ctx context.Context, cloudResourceRef string) error {
	if cloudResourceRef == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"cloud resource ref is required for deprovisioning", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/static-ips/"+cloudResourceRef, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create deprovision request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.InfoContext(ctx, "deprovisioning static IP",
		"resource_ref", cloudResourceRef,
	)

	resp, err := c.base.Do(req)
	if err != nil {
		return c.wrapError("DeprovisionStaticIP", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.InfoContext(ctx, "static IP already deprovisioned",
			"resource_ref", cloudResourceRef,
		)
		return nil
	}
	if resp.StatusCode >= 400 {
		return c.handleErrorResponse(resp, "DeprovisionStaticIP")
	}
	return nil
}

// VerifyStaticIP checks whether the reservation still exists and is routed.
// GETs /v1/static-ips/{ref}; a 404 means the reservation is gone.
func (c *ProvisionerHTTPClient) VerifyStaticIP(ctx context.Context, cloudResourceRef string) (bool, error) {
	if cloudResourceRef == "" {
		return false, types.NewAppError(types.ErrCodeValidationMissingField,
			"cloud resource ref is required for verification", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/static-ips/"+cloudResourceRef, nil)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create verify request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return false, c.wrapError("VerifyStaticIP", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, c.handleErrorResponse(resp, "VerifyStaticIP")
	}

	var vResp verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vResp); err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode verify response", err)
	}
	return vResp.Routed, nil
}

// ListRegions returns the provider regions where static IPs can be
// provisioned. GETs /v1/regions.
func (c *ProvisionerHTTPClient) ListRegions(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/regions", nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create region listing request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, c.wrapError("ListRegions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.handleErrorResponse(resp, "ListRegions")
	}

	var lrResp listRegionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&lrResp); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode region listing response", err)
	}
	return lrResp.Regions, nil
}

// handleErrorResponse reads and logs the error body from a non-2xx response,
// then returns an appropriate AppError. 4xx responses mean the provider
// rejected the operation permanently; retrying the same call cannot succeed.
func (c *ProvisionerHTTPClient) handleErrorResponse(resp *http.Response, operation string) *types.AppError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	bodyStr := string(bodyBytes)

	c.logger.Error("provisioner API error",
		"operation", operation,
		"status_code", resp.StatusCode,
		"response_body", bodyStr,
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return types.NewAppError(types.ErrCodeProvisioningFailed,
			"provisioner authentication failed (401)",
			fmt.Errorf("provisioner %s returned 401: %s", operation, bodyStr))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return types.NewAppError(types.ErrCodeProvisioningFailed,
			fmt.Sprintf("provisioner rejected %s (%d)", operation, resp.StatusCode),
			fmt.Errorf("provisioner %s returned %d: %s", operation, resp.StatusCode, bodyStr))
	default:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("provisioner server error (%d): %s", resp.StatusCode, operation),
			fmt.Errorf("provisioner %s returned %d: %s", operation, resp.StatusCode, bodyStr))
	}
}

// wrapError converts errors from BaseClient.Do into provisioner-scoped errors,
// preserving the error code so callers can distinguish transient outages.
func (c *ProvisionerHTTPClient) wrapError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return types.NewAppError(appErr.Code,
			fmt.Sprintf("provisioner %s: %s", operation, appErr.Message),
			appErr.Err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("provisioner %s failed", operation), err)
}

// Compile-time interface compliance check.
var _ CloudProvisioner = (*ProvisionerHTTPClient)(nil)
