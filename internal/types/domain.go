package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a prefixed UUID entity identifier (e.g. "alloc_4f9c...").
// The prefix makes IDs self-describing in logs and API payloads.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String())
}

// PoolEntry is a public IP address record available for allocation.
//
// The Allocated flag is the single source of truth for whether the entry is
// claimed. It is flipped in the same database transaction as the Allocation
// insert; a partial unique index on allocations(pool_entry_id) WHERE status
// NOT IN ('released','failed') is the backstop that turns a lost claim race
// into a retryable conflict instead of a silent double-allocation.
type PoolEntry struct {
	ID               string    `json:"id" db:"id"`
	Address          string    `json:"address" db:"address"`
	Region           string    `json:"region" db:"region"`
	CloudResourceRef string    `json:"cloud_resource_ref" db:"cloud_resource_ref"`
	NodeID           string    `json:"node_id" db:"node_id"`
	Allocated        bool      `json:"allocated" db:"allocated"`
	MonthlyCostCents int       `json:"monthly_cost_cents" db:"monthly_cost_cents"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// NewPoolEntry constructs an unallocated PoolEntry with stamped timestamps.
func NewPoolEntry(address, region, cloudRef, nodeID string, monthlyCostCents int, now time.Time) *PoolEntry {
	return &PoolEntry{
		ID:               NewID("pool"),
		Address:          address,
		Region:           region,
		CloudResourceRef: cloudRef,
		NodeID:           nodeID,
		Allocated:        false,
		MonthlyCostCents: monthlyCostCents,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Subscription entitles one user to a quota of regions, each of which may
// hold one static IP allocation with a per-region port-forward quota.
//
// Invariant: 0 <= RegionsUsed <= RegionsIncluded at all times. RegionsUsed is
// mutated only by the allocation coordinator (reserve/release) and by
// plan-change validation, never written directly by callers.
type Subscription struct {
	ID                   string             `json:"id" db:"id"`
	UserID               string             `json:"user_id" db:"user_id"`
	Plan                 PlanTier           `json:"plan" db:"plan"`
	Status               SubscriptionStatus `json:"status" db:"status"`
	RegionsIncluded      int                `json:"regions_included" db:"regions_included"`
	RegionsUsed          int                `json:"regions_used" db:"regions_used"`
	PortForwardsPerRegion int               `json:"port_forwards_per_region" db:"port_forwards_per_region"`
	AutoRenew            bool               `json:"auto_renew" db:"auto_renew"`
	ExternalRef          string             `json:"external_ref,omitempty" db:"external_ref"`
	ExpiresAt            time.Time          `json:"expires_at" db:"expires_at"`
	CancelledAt          *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// NewSubscription constructs an active Subscription for the given user and
// plan limits. Expiry is now + the plan term.
func NewSubscription(userID string, plan PlanTier, limits PlanLimits, term PlanTerm, autoRenew bool, externalRef string, now time.Time) *Subscription {
	expiry := now.AddDate(0, 1, 0)
	if term == TermYearly {
		expiry = now.AddDate(1, 0, 0)
	}
	return &Subscription{
		ID:                    NewID("sub"),
		UserID:                userID,
		Plan:                  plan,
		Status:                SubStatusActive,
		RegionsIncluded:       limits.RegionsIncluded,
		RegionsUsed:           0,
		PortForwardsPerRegion: limits.PortForwardsPerRegion,
		AutoRenew:             autoRenew,
		ExternalRef:           externalRef,
		ExpiresAt:             expiry,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Allocation binds a user+subscription to one PoolEntry in one region.
//
// Invariants: exactly one non-terminal allocation per (user, region) pair;
// InternalAddress unique among live allocations on the same node. Both are
// enforced by partial unique indexes and pre-checked by the coordinator.
type Allocation struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	SubscriptionID string           `json:"subscription_id" db:"subscription_id"`
	PoolEntryID    string           `json:"pool_entry_id" db:"pool_entry_id"`
	Region         string           `json:"region" db:"region"`
	NodeID         string           `json:"node_id" db:"node_id"`
	PublicAddress  string           `json:"public_address" db:"public_address"`
	InternalAddress string          `json:"internal_address" db:"internal_address"`
	Status         AllocationStatus `json:"status" db:"status"`

	PortForwardsIncluded int `json:"port_forwards_included" db:"port_forwards_included"`
	PortForwardsUsed     int `json:"port_forwards_used" db:"port_forwards_used"`

	LastError    string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	ConfiguredAt *time.Time `json:"configured_at,omitempty" db:"configured_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty" db:"released_at"`
}

// NewAllocation constructs a PENDING Allocation referencing the claimed pool
// entry. PublicAddress is denormalized from the entry so list views never
// need a join back to the pool table.
func NewAllocation(userID, subscriptionID string, entry *PoolEntry, internalAddr string, portForwardsIncluded int, now time.Time) *Allocation {
	return &Allocation{
		ID:                   NewID("alloc"),
		UserID:               userID,
		SubscriptionID:       subscriptionID,
		PoolEntryID:          entry.ID,
		Region:               entry.Region,
		NodeID:               entry.NodeID,
		PublicAddress:        entry.Address,
		InternalAddress:      internalAddr,
		Status:               AllocStatusPending,
		PortForwardsIncluded: portForwardsIncluded,
		PortForwardsUsed:     0,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// PortForwardRule is a NAT mapping owned by one Allocation.
//
// Invariant: the (ExternalAddress, ExternalPort, Protocol) tuple is unique
// among rules not in deleted status; "both" overlaps tcp and udp. A rule
// counts against its allocation's port quota unless deleted.
type PortForwardRule struct {
	ID              string     `json:"id" db:"id"`
	AllocationID    string     `json:"allocation_id" db:"allocation_id"`
	ExternalAddress string     `json:"external_address" db:"external_address"`
	ExternalPort    int        `json:"external_port" db:"external_port"`
	InternalPort    int        `json:"internal_port" db:"internal_port"`
	InternalAddress string     `json:"internal_address" db:"internal_address"`
	Protocol        Protocol   `json:"protocol" db:"protocol"`
	Status          RuleStatus `json:"status" db:"status"`
	Enabled         bool       `json:"enabled" db:"enabled"`

	// AllowedSourceIPs restricts which source addresses may use the mapping.
	// Empty means unrestricted. Stored as JSONB; never exposed as raw text.
	AllowedSourceIPs []string `json:"allowed_source_ips,omitempty" db:"allowed_source_ips"`

	// FromAddon marks rules created against purchased addon capacity rather
	// than the plan's included quota.
	FromAddon bool   `json:"from_addon" db:"from_addon"`
	AddonID   string `json:"addon_id,omitempty" db:"addon_id"`

	BytesIn  int64 `json:"bytes_in" db:"bytes_in"`
	BytesOut int64 `json:"bytes_out" db:"bytes_out"`

	LastError string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// NewPortForwardRule constructs a PENDING, enabled rule bound to the given
// allocation. internalAddr defaults to the allocation's tunnel address when
// the caller passes an empty string.
func NewPortForwardRule(alloc *Allocation, externalPort, internalPort int, internalAddr string, protocol Protocol, allowedSourceIPs []string, now time.Time) *PortForwardRule {
	if internalAddr == "" {
		internalAddr = alloc.InternalAddress
	}
	return &PortForwardRule{
		ID:               NewID("pfr"),
		AllocationID:     alloc.ID,
		ExternalAddress:  alloc.PublicAddress,
		ExternalPort:     externalPort,
		InternalPort:     internalPort,
		InternalAddress:  internalAddr,
		Protocol:         protocol,
		Status:           RuleStatusPending,
		Enabled:          true,
		AllowedSourceIPs: allowedSourceIPs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CountsAgainstQuota reports whether the rule consumes a port-forward slot.
// Disabled rules are suspended, not deleted, so they still count.
func (r *PortForwardRule) CountsAgainstQuota() bool {
	return r.Status != RuleStatusDeleted
}

// PortForwardAddon is a purchased extension of port quota for one Allocation.
// It expires and cancels independently of the allocation it augments.
type PortForwardAddon struct {
	ID           string      `json:"id" db:"id"`
	AllocationID string      `json:"allocation_id" db:"allocation_id"`
	ExtraPorts   int         `json:"extra_ports" db:"extra_ports"`
	PortsUsed    int         `json:"ports_used" db:"ports_used"`
	Status       AddonStatus `json:"status" db:"status"`
	ExpiresAt    time.Time   `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// NewPortForwardAddon constructs an active addon expiring one month from now.
func NewPortForwardAddon(allocationID string, extraPorts int, now time.Time) *PortForwardAddon {
	return &PortForwardAddon{
		ID:           NewID("addon"),
		AllocationID: allocationID,
		ExtraPorts:   extraPorts,
		PortsUsed:    0,
		Status:       AddonStatusActive,
		ExpiresAt:    now.AddDate(0, 1, 0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Node is an edge node capable of hosting allocations. The core only reads
// node records; registration and heartbeating belong to the node fleet
// manager, an external collaborator.
type Node struct {
	ID                 string    `json:"id" db:"id"`
	Region             string    `json:"region" db:"region"`
	Hostname           string    `json:"hostname" db:"hostname"`
	Online             bool      `json:"online" db:"online"`
	StaticIPCapable    bool      `json:"static_ip_capable" db:"static_ip_capable"`
	PortForwardCapable bool      `json:"port_forward_capable" db:"port_forward_capable"`
	CurrentAllocations int       `json:"current_allocations" db:"current_allocations"`
	MaxAllocations     int       `json:"max_allocations" db:"max_allocations"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// HasCapacity reports whether the node can host one more allocation.
// MaxAllocations of 0 means unlimited.
func (n *Node) HasCapacity() bool {
	return n.MaxAllocations == 0 || n.CurrentAllocations < n.MaxAllocations
}

// PlanLimits describes the quotas a plan tier entitles a subscriber to.
type PlanLimits struct {
	RegionsIncluded       int `json:"regions_included"`
	PortForwardsPerRegion int `json:"port_forwards_per_region"`
	PriceMonthlyCents     int `json:"price_monthly_cents"`
	PriceYearlyCents      int `json:"price_yearly_cents"`
}

// RegionAvailability is the dashboard DTO for listAvailableRegions.
type RegionAvailability struct {
	Region       string `json:"region"`
	AvailableIPs int    `json:"available_ips"`
	OnlineNodes  int    `json:"online_nodes"`
}
