package types

// SubscriptionStatus represents the lifecycle state of a Subscription.
type SubscriptionStatus string

const (
	SubStatusPending   SubscriptionStatus = "pending"
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusExpired   SubscriptionStatus = "expired"
	SubStatusCancelled SubscriptionStatus = "cancelled"
)

// AllocationStatus represents the lifecycle state of a static IP Allocation.
//
// Legal transitions:
//
//	pending -> configuring -> active -> released
//	pending -> failed
//	configuring -> failed
//
// "released" and "failed" are terminal.
type AllocationStatus string

const (
	AllocStatusPending     AllocationStatus = "pending"
	AllocStatusConfiguring AllocationStatus = "configuring"
	AllocStatusActive      AllocationStatus = "active"
	AllocStatusFailed      AllocationStatus = "failed"
	AllocStatusReleased    AllocationStatus = "released"
)

// Terminal reports whether the status permits no further transitions.
func (s AllocationStatus) Terminal() bool {
	return s == AllocStatusFailed || s == AllocStatusReleased
}

// RuleStatus represents the lifecycle state of a PortForwardRule.
type RuleStatus string

const (
	RuleStatusPending     RuleStatus = "pending"
	RuleStatusConfiguring RuleStatus = "configuring"
	RuleStatusActive      RuleStatus = "active"
	RuleStatusDisabled    RuleStatus = "disabled"
	RuleStatusDeleted     RuleStatus = "deleted"
)

// AddonStatus represents the lifecycle state of a PortForwardAddon.
type AddonStatus string

const (
	AddonStatusActive    AddonStatus = "active"
	AddonStatusExpired   AddonStatus = "expired"
	AddonStatusCancelled AddonStatus = "cancelled"
)

// Protocol identifies the transport protocol of a NAT mapping.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// Valid reports whether the protocol is one of the supported values.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolBoth:
		return true
	}
	return false
}

// Overlaps reports whether two protocols claim at least one common transport.
// "both" overlaps everything; tcp and udp only overlap themselves.
func (p Protocol) Overlaps(other Protocol) bool {
	if p == ProtocolBoth || other == ProtocolBoth {
		return true
	}
	return p == other
}

// PlanTier identifies a subscription plan in the catalog.
type PlanTier string

const (
	PlanPersonal PlanTier = "PERSONAL"
	PlanPro      PlanTier = "PRO"
	PlanBusiness PlanTier = "BUSINESS"
)

// PlanTerm is the billing period length for a subscription.
type PlanTerm string

const (
	TermMonthly PlanTerm = "monthly"
	TermYearly  PlanTerm = "yearly"
)

// Valid reports whether the term is a supported billing period.
func (t PlanTerm) Valid() bool {
	return t == TermMonthly || t == TermYearly
}
