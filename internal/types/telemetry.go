package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricAllocationCreated    = "AllocationCreated"
	MetricAllocationFailed     = "AllocationFailed"
	MetricAllocationReleased   = "AllocationReleased"
	MetricProvisioningLatency  = "ProvisioningLatency"
	MetricProvisioningFailure  = "ProvisioningFailure"
	MetricPoolDepth            = "PoolDepth"
	MetricPoolReplenished      = "PoolReplenished"
	MetricPortForwardCreated   = "PortForwardCreated"
	MetricPortForwardConflict  = "PortForwardConflict"
	MetricQuotaRejected        = "QuotaRejected"
	MetricExternalAPIFailure   = "ExternalAPIFailure"

	// Dimension Keys
	DimRegion   = "Region"
	DimNodeID   = "NodeID"
	DimPlan     = "Plan"
	DimProvider = "Provider"
	DimOutcome  = "Outcome"

	// Metric Namespace
	MetricNamespace = "StaticIP"
)
