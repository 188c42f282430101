package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stub implementations allow the application to boot in local/test mode
// without real provider credentials or reachable node agents. They log all
// actions and return predictable, safe default values.
// ---------------------------------------------------------------------------

// StubProvisioner implements CloudProvisioner by logging calls and minting
// deterministic fake addresses. Used when APP_ENV=local.
type StubProvisioner struct {
	logger  *slog.Logger
	counter atomic.Int64
}

// NewStubProvisioner creates a new StubProvisioner.
func NewStubProvisioner(logger *slog.Logger) *StubProvisioner {
	return &StubProvisioner{logger: logger}
}

func (s *StubProvisioner) ProvisionStaticIP(ctx context.Context, region, nodeID string) (*ProvisionResult, error) {
	n := s.counter.Add(1)
	s.logger.InfoContext(ctx, "stub: ProvisionStaticIP called",
		"region", region,
		"node_id", nodeID,
	)
	return &ProvisionResult{
		Address:          fmt.Sprintf("198.51.100.%d", n%254+1),
		CloudResourceRef: fmt.Sprintf("eip-stub-%d", n),
		Region:           region,
		MonthlyCostCents: 350,
	}, nil
}

func (s *StubProvisioner) DeprovisionStaticIP(ctx context.Context, cloudResourceRef string) error {
	s.logger.InfoContext(ctx, "stub: DeprovisionStaticIP called",
		"resource_ref", cloudResourceRef,
	)
	return nil
}

func (s *StubProvisioner) VerifyStaticIP(ctx context.Context, cloudResourceRef string) (bool, error) {
	s.logger.InfoContext(ctx, "stub: VerifyStaticIP called",
		"resource_ref", cloudResourceRef,
	)
	return true, nil
}

func (s *StubProvisioner) ListRegions(ctx context.Context) ([]string, error) {
	s.logger.InfoContext(ctx, "stub: ListRegions called")
	return []string{"us-east", "us-west", "eu-central"}, nil
}

// StubNodeAgent implements NodeAgent by logging calls and always succeeding.
// Used when APP_ENV=local.
type StubNodeAgent struct {
	logger *slog.Logger
}

// NewStubNodeAgent creates a new StubNodeAgent.
func NewStubNodeAgent(logger *slog.Logger) *StubNodeAgent {
	return &StubNodeAgent{logger: logger}
}

func (s *StubNodeAgent) ConfigureAllocation(ctx context.Context, nodeID string, cfg AllocationConfig) error {
	s.logger.InfoContext(ctx, "stub: ConfigureAllocation called",
		"node_id", nodeID,
		"allocation_id", cfg.AllocationID,
	)
	return nil
}

func (s *StubNodeAgent) TeardownAllocation(ctx context.Context, nodeID, allocationID string) error {
	s.logger.InfoContext(ctx, "stub: TeardownAllocation called",
		"node_id", nodeID,
		"allocation_id", allocationID,
	)
	return nil
}

func (s *StubNodeAgent) ApplyRule(ctx context.Context, nodeID string, cfg RuleConfig) error {
	s.logger.InfoContext(ctx, "stub: ApplyRule called",
		"node_id", nodeID,
		"rule_id", cfg.RuleID,
		"external_port", cfg.ExternalPort,
	)
	return nil
}

func (s *StubNodeAgent) RemoveRule(ctx context.Context, nodeID, ruleID string) error {
	s.logger.InfoContext(ctx, "stub: RemoveRule called",
		"node_id", nodeID,
		"rule_id", ruleID,
	)
	return nil
}

func (s *StubNodeAgent) SuspendRule(ctx context.Context, nodeID, ruleID string) error {
	s.logger.InfoContext(ctx, "stub: SuspendRule called",
		"node_id", nodeID,
		"rule_id", ruleID,
	)
	return nil
}

func (s *StubNodeAgent) ResumeRule(ctx context.Context, nodeID, ruleID string) error {
	s.logger.InfoContext(ctx, "stub: ResumeRule called",
		"node_id", nodeID,
		"rule_id", ruleID,
	)
	return nil
}

// StubMetricsEmitter implements MetricsEmitter by logging samples at debug
// level. Used when APP_ENV=local or when CloudWatch is unreachable in tests.
type StubMetricsEmitter struct {
	logger *slog.Logger
}

// NewStubMetricsEmitter creates a new StubMetricsEmitter.
func NewStubMetricsEmitter(logger *slog.Logger) *StubMetricsEmitter {
	return &StubMetricsEmitter{logger: logger}
}

func (s *StubMetricsEmitter) Count(ctx context.Context, name string, value float64, dims map[string]string) {
	s.logger.DebugContext(ctx, "stub: metric count", "name", name, "value", value)
}

func (s *StubMetricsEmitter) Duration(ctx context.Context, name string, ms float64, dims map[string]string) {
	s.logger.DebugContext(ctx, "stub: metric duration", "name", name, "ms", ms)
}

func (s *StubMetricsEmitter) Gauge(ctx context.Context, name string, value float64, dims map[string]string) {
	s.logger.DebugContext(ctx, "stub: metric gauge", "name", name, "value", value)
}

// ---------------------------------------------------------------------------
// Interface Compliance
// ---------------------------------------------------------------------------

var _ CloudProvisioner = (*StubProvisioner)(nil)
var _ NodeAgent = (*StubNodeAgent)(nil)
var _ MetricsEmitter = (*StubMetricsEmitter)(nil)
