// Package portforward implements port forward rule management: validation
// against the port policy, tuple conflict detection, quota enforcement
// (plan-included slots plus purchased addon capacity), and the NAT apply /
// suspend / remove flows against the node agent.
package portforward

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"staticip/internal/db"
	"staticip/internal/external"
	"staticip/internal/types"
)

// Port policy. The blocklist is checked before the range so a blocked
// well-known port reports "blocked", not "out of range".
const (
	ExternalPortMin = 1024
	ExternalPortMax = 65535
	InternalPortMin = 1
	InternalPortMax = 65535
)

// blockedPorts are never forwardable regardless of plan. Infrastructure and
// database ports whose exposure is a liability for the platform's address
// reputation.
var blockedPorts = map[int]struct{}{
	22:    {},
	23:    {},
	25:    {},
	53:    {},
	80:    {},
	443:   {},
	3306:  {},
	5432:  {},
	6379:  {},
	27017: {},
}

// RuleStore is the slice of the rule repository the service uses.
type RuleStore interface {
	Create(ctx context.Context, q db.DBTX, rule *types.PortForwardRule) error
	GetByID(ctx context.Context, ruleID, userID string) (*types.PortForwardRule, error)
	ListByAllocation(ctx context.Context, allocationID string, includeDeleted bool) ([]*types.PortForwardRule, error)
	CountActive(ctx context.Context, q db.DBTX, allocationID string) (int, error)
	HasConflict(ctx context.Context, q db.DBTX, externalAddress string, externalPort int, protocol types.Protocol) (bool, error)
	MarkActive(ctx context.Context, ruleID string) error
	RecordApplyError(ctx context.Context, ruleID, errText string) error
	SetEnabled(ctx context.Context, ruleID string, enabled bool) error
	SoftDelete(ctx context.Context, q db.DBTX, ruleID string, deletedAt time.Time) error
	AddUsage(ctx context.Context, ruleID string, bytesIn, bytesOut int64) error
}

// AddonStore is the slice of the addon repository the service uses.
type AddonStore interface {
	Create(ctx context.Context, addon *types.PortForwardAddon) error
	SumActiveExtraPorts(ctx context.Context, q db.DBTX, allocationID string, now time.Time) (int, error)
	FindConsumable(ctx context.Context, q db.DBTX, allocationID string, now time.Time) (*types.PortForwardAddon, error)
	IncrementPortsUsed(ctx context.Context, q db.DBTX, addonID string) error
	DecrementPortsUsed(ctx context.Context, q db.DBTX, addonID string) error
}

// AllocationStore is the slice of the allocation repository the service uses.
type AllocationStore interface {
	GetByID(ctx context.Context, allocationID, userID string) (*types.Allocation, error)
	IncrementPortForwardsUsed(ctx context.Context, q db.DBTX, allocationID string) error
	DecrementPortForwardsUsed(ctx context.Context, q db.DBTX, allocationID string) error
}

// Service manages port forward rules for active allocations.
type Service struct {
	tx      db.TxRunner
	rules   RuleStore
	addons  AddonStore
	allocs  AllocationStore
	agent   external.NodeAgent
	metrics external.MetricsEmitter
	clock   types.Clock
	logger  *slog.Logger
}

// NewService creates a port forward Service. Clock and logger default when nil.
func NewService(tx db.TxRunner, rules RuleStore, addons AddonStore, allocs AllocationStore,
	agent external.NodeAgent, metrics external.MetricsEmitter, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:      tx,
		rules:   rules,
		addons:  addons,
		allocs:  allocs,
		agent:   agent,
		metrics: metrics,
		clock:   clock,
		logger:  logger,
	}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	AllocationID     string
	ExternalPort     int
	InternalPort     int
	InternalAddress  string // empty defaults to the allocation's tunnel address
	Protocol         types.Protocol
	AllowedSourceIPs []string
}

// validate applies the port policy and protocol checks. Blocklist before
// range: a blocked port always reports as blocked.
func validate(params CreateParams) error {
	if _, blocked := blockedPorts[params.ExternalPort]; blocked {
		return types.NewAppError(types.ErrCodeValidationPortBlocked,
			fmt.Sprintf("port %d is blocked by platform policy", params.ExternalPort), nil)
	}
	if params.ExternalPort < ExternalPortMin || params.ExternalPort > ExternalPortMax {
		return types.NewAppError(types.ErrCodeValidationPortOutOfRange,
			fmt.Sprintf("external port must be in [%d, %d]", ExternalPortMin, ExternalPortMax), nil)
	}
	if params.InternalPort < InternalPortMin || params.InternalPort > InternalPortMax {
		return types.NewAppError(types.ErrCodeValidationPortOutOfRange,
			fmt.Sprintf("internal port must be in [%d, %d]", InternalPortMin, InternalPortMax), nil)
	}
	if !params.Protocol.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidProtocol,
			"protocol must be tcp, udp, or both", nil)
	}
	if params.InternalAddress != "" {
		addr, err := netip.ParseAddr(params.InternalAddress)
		if err != nil || !addr.Is4() || !addr.IsPrivate() {
			return types.NewAppError(types.ErrCodeValidationInvalidAddress,
				"internal address must be a private IPv4 address", nil)
		}
	}
	for _, src := range params.AllowedSourceIPs {
		if _, err := netip.ParsePrefix(src); err != nil {
			if _, err := netip.ParseAddr(src); err != nil {
				return types.NewAppError(types.ErrCodeValidationInvalidAddress,
					"allowed source entries must be IP addresses or CIDR prefixes", nil)
			}
		}
	}
	return nil
}

// Create validates, reserves a quota slot, persists the rule, and applies the
// NAT mapping on the node.
//
// The quota check and the insert share one transaction; the partial unique
// index on the external tuple is the final conflict guarantor. A node apply
// failure leaves the rule PENDING with LastError so the caller can retry
// without losing the port reservation.
func (s *Service) Create(ctx context.Context, userID string, params CreateParams) (*types.PortForwardRule, error) {
	if err := validate(params); err != nil {
		return nil, err
	}

	alloc, err := s.allocs.GetByID(ctx, params.AllocationID, userID)
	if err != nil {
		return nil, err
	}
	if alloc.Status != types.AllocStatusActive {
		return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
			"allocation is not active", nil)
	}

	now := s.clock.Now()
	var rule *types.PortForwardRule
	err = s.tx.RunInTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		used, err := s.rules.CountActive(ctx, tx, alloc.ID)
		if err != nil {
			return err
		}

		fromAddon := false
		addonID := ""
		if used >= alloc.PortForwardsIncluded {
			extra, err := s.addons.SumActiveExtraPorts(ctx, tx, alloc.ID, now)
			if err != nil {
				return err
			}
			if used >= alloc.PortForwardsIncluded+extra {
				s.count(ctx, types.MetricQuotaRejected, map[string]string{types.DimRegion: alloc.Region})
				return types.NewAppErrorWithDetails(types.ErrCodeCapacityPortForwardLimit,
					"port forward limit reached", nil,
					map[string]any{
						"used":     used,
						"included": alloc.PortForwardsIncluded,
						"extra":    extra,
					})
			}
			addon, err := s.addons.FindConsumable(ctx, tx, alloc.ID, now)
			if err != nil {
				return err
			}
			if err := s.addons.IncrementPortsUsed(ctx, tx, addon.ID); err != nil {
				return err
			}
			fromAddon = true
			addonID = addon.ID
		}

		// Pre-check keeps the common duplicate case off the index error
		// path; a lost race still surfaces as the same conflict code.
		conflict, err := s.rules.HasConflict(ctx, tx, alloc.PublicAddress, params.ExternalPort, params.Protocol)
		if err != nil {
			return err
		}
		if conflict {
			s.count(ctx, types.MetricPortForwardConflict, map[string]string{types.DimRegion: alloc.Region})
			return types.NewAppError(types.ErrCodeConflictPortInUse, "port already in use", nil)
		}

		r := types.NewPortForwardRule(alloc, params.ExternalPort, params.InternalPort,
			params.InternalAddress, params.Protocol, params.AllowedSourceIPs, now)
		r.FromAddon = fromAddon
		r.AddonID = addonID
		if err := s.rules.Create(ctx, tx, r); err != nil {
			return err
		}
		if err := s.allocs.IncrementPortForwardsUsed(ctx, tx, alloc.ID); err != nil {
			return err
		}
		rule = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.applyRule(ctx, alloc, rule); err != nil {
		return nil, err
	}

	s.count(ctx, types.MetricPortForwardCreated, map[string]string{types.DimRegion: alloc.Region})
	s.logger.InfoContext(ctx, "port forward rule created",
		"rule_id", rule.ID,
		"allocation_id", alloc.ID,
		"external_port", rule.ExternalPort,
		"protocol", string(rule.Protocol),
		"from_addon", rule.FromAddon,
	)
	return rule, nil
}

// applyRule installs the NAT mapping on the node and activates the rule. On
// node failure the rule stays PENDING with the node's error recorded; the
// quota slot stays reserved so a retry cannot lose the port to a racer.
func (s *Service) applyRule(ctx context.Context, alloc *types.Allocation, rule *types.PortForwardRule) error {
	agentErr := s.agent.ApplyRule(ctx, alloc.NodeID, external.RuleConfig{
		RuleID:           rule.ID,
		AllocationID:     alloc.ID,
		ExternalAddress:  rule.ExternalAddress,
		ExternalPort:     rule.ExternalPort,
		InternalAddress:  rule.InternalAddress,
		InternalPort:     rule.InternalPort,
		Protocol:         string(rule.Protocol),
		AllowedSourceIPs: rule.AllowedSourceIPs,
	})
	if agentErr != nil {
		if recErr := s.rules.RecordApplyError(ctx, rule.ID, agentErr.Error()); recErr != nil {
			s.logger.ErrorContext(ctx, "failed to record rule apply error",
				"rule_id", rule.ID,
				"error", recErr.Error(),
			)
		}
		return types.NewAppErrorWithDetails(types.CodeOf(agentErr),
			"node failed to apply port forward rule; the rule is kept pending for retry",
			agentErr,
			map[string]any{"rule_id": rule.ID})
	}

	if err := s.rules.MarkActive(ctx, rule.ID); err != nil {
		return err
	}
	rule.Status = types.RuleStatusActive
	return nil
}

// Retry re-attempts the NAT apply for a rule stuck in PENDING after an
// earlier node failure.
func (s *Service) Retry(ctx context.Context, userID, ruleID string) (*types.PortForwardRule, error) {
	rule, err := s.rules.GetByID(ctx, ruleID, userID)
	if err != nil {
		return nil, err
	}
	if rule.Status != types.RuleStatusPending {
		return rule, nil
	}
	alloc, err := s.allocs.GetByID(ctx, rule.AllocationID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.applyRule(ctx, alloc, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns the allocation's non-deleted rules, ownership checked through
// the allocation.
func (s *Service) List(ctx context.Context, userID, allocationID string) ([]*types.PortForwardRule, error) {
	if _, err := s.allocs.GetByID(ctx, allocationID, userID); err != nil {
		return nil, err
	}
	return s.rules.ListByAllocation(ctx, allocationID, false)
}

// Toggle enables or disables a rule. Disabling suspends the NAT mapping on
// the node but keeps the port reserved and counting against quota; enabling
// resumes it. The node call happens before the status flip so the database
// never claims a state the node does not have.
func (s *Service) Toggle(ctx context.Context, userID, ruleID string, enabled bool) (*types.PortForwardRule, error) {
	rule, err := s.rules.GetByID(ctx, ruleID, userID)
	if err != nil {
		return nil, err
	}
	if rule.Status == types.RuleStatusDeleted {
		return nil, types.NewAppError(types.ErrCodeNotFoundRule, "port forward rule not found", nil)
	}
	if rule.Enabled == enabled {
		return rule, nil
	}

	alloc, err := s.allocs.GetByID(ctx, rule.AllocationID, userID)
	if err != nil {
		return nil, err
	}

	if enabled {
		err = s.agent.ResumeRule(ctx, alloc.NodeID, rule.ID)
	} else {
		err = s.agent.SuspendRule(ctx, alloc.NodeID, rule.ID)
	}
	if err != nil {
		return nil, err
	}

	if err := s.rules.SetEnabled(ctx, rule.ID, enabled); err != nil {
		return nil, err
	}
	rule.Enabled = enabled
	if enabled {
		rule.Status = types.RuleStatusActive
	} else {
		rule.Status = types.RuleStatusDisabled
	}

	s.logger.InfoContext(ctx, "port forward rule toggled",
		"rule_id", rule.ID,
		"enabled", enabled,
	)
	return rule, nil
}

// Delete soft-deletes the rule, frees its quota slot, and removes the NAT
// mapping. NAT removal is best-effort: a node outage must not keep the user's
// quota pinned. Idempotent on already-deleted rules.
func (s *Service) Delete(ctx context.Context, userID, ruleID string) error {
	rule, err := s.rules.GetByID(ctx, ruleID, userID)
	if err != nil {
		return err
	}
	if rule.Status == types.RuleStatusDeleted {
		return nil
	}

	alloc, err := s.allocs.GetByID(ctx, rule.AllocationID, userID)
	if err != nil {
		return err
	}

	if err := s.agent.RemoveRule(ctx, alloc.NodeID, rule.ID); err != nil {
		s.logger.WarnContext(ctx, "node rule removal failed; proceeding with delete",
			"rule_id", rule.ID,
			"node_id", alloc.NodeID,
			"error", err.Error(),
		)
	}

	now := s.clock.Now()
	err = s.tx.RunInTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		if err := s.rules.SoftDelete(ctx, tx, rule.ID, now); err != nil {
			return err
		}
		if err := s.allocs.DecrementPortForwardsUsed(ctx, tx, alloc.ID); err != nil {
			return err
		}
		if rule.FromAddon && rule.AddonID != "" {
			return s.addons.DecrementPortsUsed(ctx, tx, rule.AddonID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "port forward rule deleted",
		"rule_id", rule.ID,
		"allocation_id", alloc.ID,
	)
	return nil
}

// PurchaseAddon records a purchased port capacity extension for the
// allocation. Payment itself is the billing layer's concern; this core only
// records the entitlement. The addon expires one month out and is swept with
// the subscriptions.
func (s *Service) PurchaseAddon(ctx context.Context, userID, allocationID string, extraPorts int) (*types.PortForwardAddon, error) {
	if extraPorts <= 0 || extraPorts > 100 {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"extra ports must be in [1, 100]", nil)
	}

	alloc, err := s.allocs.GetByID(ctx, allocationID, userID)
	if err != nil {
		return nil, err
	}
	if alloc.Status != types.AllocStatusActive {
		return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
			"allocation is not active", nil)
	}

	addon := types.NewPortForwardAddon(alloc.ID, extraPorts, s.clock.Now())
	if err := s.addons.Create(ctx, addon); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "port forward addon purchased",
		"addon_id", addon.ID,
		"allocation_id", alloc.ID,
		"extra_ports", extraPorts,
	)
	return addon, nil
}

// ReportUsage accumulates traffic counters reported by a node agent for one
// rule.
func (s *Service) ReportUsage(ctx context.Context, ruleID string, bytesIn, bytesOut int64) error {
	if bytesIn < 0 || bytesOut < 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"usage counters must be non-negative", nil)
	}
	return s.rules.AddUsage(ctx, ruleID, bytesIn, bytesOut)
}

func (s *Service) count(ctx context.Context, name string, dims map[string]string) {
	if s.metrics != nil {
		s.metrics.Count(ctx, name, 1, dims)
	}
}
