package external

import (
	"context"
)

// ---------------------------------------------------------------------------
// Cloud Provisioning Integration
// ---------------------------------------------------------------------------

// ProvisionResult describes a public IP reserved at the cloud provider. The
// coordinator turns this into a PoolEntry record.
type ProvisionResult struct {
	Address          string `json:"address"`
	CloudResourceRef string `json:"cloud_resource_ref"`
	Region           string `json:"region"`
	MonthlyCostCents int    `json:"monthly_cost_cents"`
}

// CloudProvisioner abstracts the infrastructure provider that leases public
// IP addresses. Implementations translate between domain types and the
// provider's REST API. All calls are slow and billable; callers must never
// hold database row locks across them.
type CloudProvisioner interface {
	// ProvisionStaticIP reserves a new public IP in the region and attaches
	// it to the node. The returned address is unallocated until a pool entry
	// is recorded for it.
	ProvisionStaticIP(ctx context.Context, region, nodeID string) (*ProvisionResult, error)

	// DeprovisionStaticIP releases the cloud reservation. Idempotent at the
	// provider: releasing an unknown ref succeeds.
	DeprovisionStaticIP(ctx context.Context, cloudResourceRef string) error

	// VerifyStaticIP checks that the reservation still exists and is routed.
	// Used by the sweeper to detect drift between the pool and the provider.
	VerifyStaticIP(ctx context.Context, cloudResourceRef string) (bool, error)

	// ListRegions returns the provider regions where static IPs can be
	// provisioned.
	ListRegions(ctx context.Context) ([]string, error)
}

// ---------------------------------------------------------------------------
// Node Agent Integration
// ---------------------------------------------------------------------------

// AllocationConfig is the payload sent to a node agent to bind a public IP to
// a tunnel address on that node.
type AllocationConfig struct {
	AllocationID    string `json:"allocation_id"`
	PublicAddress   string `json:"public_address"`
	InternalAddress string `json:"internal_address"`
}

// RuleConfig is the payload sent to a node agent to install or update one NAT
// mapping.
type RuleConfig struct {
	RuleID           string   `json:"rule_id"`
	AllocationID     string   `json:"allocation_id"`
	ExternalAddress  string   `json:"external_address"`
	ExternalPort     int      `json:"external_port"`
	InternalAddress  string   `json:"internal_address"`
	InternalPort     int      `json:"internal_port"`
	Protocol         string   `json:"protocol"`
	AllowedSourceIPs []string `json:"allowed_source_ips,omitempty"`
}

// NodeAgent abstracts the control API of the edge nodes. Implementations
// route requests through the node agent gateway, which resolves node IDs to
// concrete agents.
type NodeAgent interface {
	// ConfigureAllocation installs the public-IP-to-tunnel binding on the
	// node. The allocation is not usable until this succeeds.
	ConfigureAllocation(ctx context.Context, nodeID string, cfg AllocationConfig) error

	// TeardownAllocation removes the binding and every NAT mapping under it.
	// Idempotent: tearing down an unknown allocation succeeds.
	TeardownAllocation(ctx context.Context, nodeID, allocationID string) error

	// ApplyRule installs one NAT mapping on the node.
	ApplyRule(ctx context.Context, nodeID string, cfg RuleConfig) error

	// RemoveRule removes one NAT mapping. Idempotent.
	RemoveRule(ctx context.Context, nodeID, ruleID string) error

	// SuspendRule disables a mapping in place, keeping its configuration on
	// the node so a resume does not re-negotiate.
	SuspendRule(ctx context.Context, nodeID, ruleID string) error

	// ResumeRule re-enables a previously suspended mapping.
	ResumeRule(ctx context.Context, nodeID, ruleID string) error
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

// MetricsEmitter abstracts the metrics backend (CloudWatch). Emission is
// best-effort; implementations log failures and never propagate them into
// request handling.
type MetricsEmitter interface {
	// Count emits a unitless counter sample.
	Count(ctx context.Context, name string, value float64, dims map[string]string)

	// Duration emits a latency sample in milliseconds.
	Duration(ctx context.Context, name string, ms float64, dims map[string]string)

	// Gauge emits a point-in-time level, e.g. pool depth per region.
	Gauge(ctx context.Context, name string, value float64, dims map[string]string)
}
