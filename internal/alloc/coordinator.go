// Package alloc implements the allocation coordinator: the state machine that
// binds a user's subscription to a pool entry, a node, and a tunnel address,
// and walks the allocation through pending -> configuring -> active.
//
// Ordering discipline: local reservations (region slot, pool entry) are taken
// in one database transaction before any external call, and rolled back when
// a later step fails. No database row lock is ever held across a provisioner
// or node agent call.
package alloc

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"staticip/internal/db"
	"staticip/internal/external"
	"staticip/internal/types"
)

// PoolStore is the slice of the pool entry repository the coordinator uses.
type PoolStore interface {
	Insert(ctx context.Context, q db.DBTX, entry *types.PoolEntry) error
	ClaimForRegion(ctx context.Context, q db.DBTX, region string) (*types.PoolEntry, error)
	Release(ctx context.Context, q db.DBTX, entryID string) error
	CountAvailable(ctx context.Context, region string) (int, error)
	CountAvailableByRegion(ctx context.Context) (map[string]int, error)
}

// SubscriptionStore is the slice of the subscription repository the
// coordinator uses for quota reservations.
type SubscriptionStore interface {
	GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	ReserveRegion(ctx context.Context, q db.DBTX, subscriptionID string) error
	ReleaseRegion(ctx context.Context, q db.DBTX, subscriptionID string) error
}

// AllocationStore is the slice of the allocation repository the coordinator
// uses.
type AllocationStore interface {
	Create(ctx context.Context, q db.DBTX, alloc *types.Allocation) error
	GetByID(ctx context.Context, allocationID, userID string) (*types.Allocation, error)
	HasLiveInRegion(ctx context.Context, userID, region string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*types.Allocation, error)
	ListInternalAddressesByNode(ctx context.Context, nodeID string) ([]string, error)
	MarkConfiguring(ctx context.Context, allocationID string) (bool, error)
	MarkActive(ctx context.Context, allocationID string, configuredAt time.Time) error
	MarkFailed(ctx context.Context, allocationID, errText string) (bool, error)
	MarkReleased(ctx context.Context, q db.DBTX, allocationID string, releasedAt time.Time) (int64, error)
}

// RuleStore is the slice of the rule repository the coordinator needs for the
// release cascade.
type RuleStore interface {
	SoftDeleteByAllocation(ctx context.Context, q db.DBTX, allocationID string, deletedAt time.Time) (int64, error)
}

// NodeStore is the slice of the node repository the coordinator uses.
type NodeStore interface {
	FindOnlineForRegion(ctx context.Context, region string) (*types.Node, error)
	CountOnlineByRegion(ctx context.Context) (map[string]int, error)
}

// ReplenishPublisher requests background pool replenishment. Implemented by
// queue.ReplenishTrigger; a nil publisher disables replenishment.
type ReplenishPublisher interface {
	Enabled() bool
	RequestReplenish(ctx context.Context, region string, floor int, reason string) error
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	DB          db.DBTX
	Tx          db.TxRunner
	Pool        PoolStore
	Subs        SubscriptionStore
	Allocs      AllocationStore
	Rules       RuleStore
	Nodes       NodeStore
	Provisioner external.CloudProvisioner
	Agent       external.NodeAgent
	Metrics     external.MetricsEmitter
	Replenish   ReplenishPublisher
	Clock       types.Clock
	Logger      *slog.Logger

	// ReplenishFloor is the per-region free-entry floor; 0 disables the
	// post-claim replenish trigger.
	ReplenishFloor int
}

// Coordinator orchestrates static IP allocation and release.
type Coordinator struct {
	deps   Deps
	logger *slog.Logger

	// flight dedupes empty-pool provisioning per region: under an allocation
	// storm only one request per region talks to the cloud provider, and the
	// rest retry their claim against the freshly inserted entry.
	flight singleflight.Group
}

// NewCoordinator creates a Coordinator. Clock and Logger default when nil.
func NewCoordinator(deps Deps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Coordinator{deps: deps, logger: deps.Logger}
}

// Allocate assigns a static public IP in the region to the user. On success
// the returned allocation is ACTIVE with the node's NAT binding in place.
//
// Failure semantics: every error path leaves no dangling reservation. Claim
// or quota failures roll back atomically with the transaction; node
// configuration failures mark the allocation FAILED, free the pool entry, and
// return the region slot.
func (c *Coordinator) Allocate(ctx context.Context, userID, region string) (*types.Allocation, error) {
	if region == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRegion, "region is required", nil)
	}

	sub, err := c.deps.Subs.GetActiveByUserID(ctx, userID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundSubscription {
			return nil, types.NewAppError(types.ErrCodeCapacityNoSubscription,
				"an active subscription is required to allocate a static IP", err)
		}
		return nil, err
	}

	// Cheap pre-check; the partial unique index on (user_id, region) is the
	// real guarantor.
	if exists, err := c.deps.Allocs.HasLiveInRegion(ctx, userID, region); err != nil {
		return nil, err
	} else if exists {
		return nil, types.NewAppError(types.ErrCodeConflictRegionAllocated,
			"user already has a static IP in this region", nil)
	}

	// Fail fast when the region has no capable node; also selects the
	// attachment target for any empty-pool provisioning below.
	node, err := c.deps.Nodes.FindOnlineForRegion(ctx, region)
	if err != nil {
		return nil, err
	}

	alloc, err := c.reserveAndClaim(ctx, userID, sub, region)
	if types.CodeOf(err) == types.ErrCodeCapacityNoIPsAvailable {
		if provErr := c.provisionForRegion(ctx, region, node.ID); provErr != nil {
			c.count(ctx, types.MetricAllocationFailed, map[string]string{types.DimRegion: region})
			return nil, provErr
		}
		alloc, err = c.reserveAndClaim(ctx, userID, sub, region)
	}
	if err != nil {
		c.count(ctx, types.MetricAllocationFailed, map[string]string{types.DimRegion: region})
		return nil, err
	}

	c.maybeRequestReplenish(ctx, region)

	if err := c.configure(ctx, alloc, sub); err != nil {
		c.count(ctx, types.MetricAllocationFailed, map[string]string{
			types.DimRegion: region,
			types.DimNodeID: alloc.NodeID,
		})
		return nil, err
	}

	c.count(ctx, types.MetricAllocationCreated, map[string]string{
		types.DimRegion: region,
		types.DimPlan:   string(sub.Plan),
	})
	c.logger.InfoContext(ctx, "static IP allocated",
		"allocation_id", alloc.ID,
		"user_id", userID,
		"region", region,
		"node_id", alloc.NodeID,
		"public_address", alloc.PublicAddress,
	)
	return alloc, nil
}

// reserveAndClaim runs the local reservation unit of work: region slot, pool
// entry claim, tunnel address pick, and the PENDING allocation insert, all in
// one transaction. Any failure rolls back every reservation at once.
func (c *Coordinator) reserveAndClaim(ctx context.Context, userID string, sub *types.Subscription, region string) (*types.Allocation, error) {
	var alloc *types.Allocation
	err := c.deps.Tx.RunInTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		if err := c.deps.Subs.ReserveRegion(ctx, tx, sub.ID); err != nil {
			return err
		}

		entry, err := c.deps.Pool.ClaimForRegion(ctx, tx, region)
		if err != nil {
			return err
		}

		// The tunnel address is scoped to the entry's node. The taken-set
		// read is not transactional; the (node_id, internal_address) partial
		// unique index turns read skew into a retryable conflict.
		addrs, err := c.deps.Allocs.ListInternalAddressesByNode(ctx, entry.NodeID)
		if err != nil {
			return err
		}
		internalAddr, err := generateTunnelAddress(takenSet(addrs))
		if err != nil {
			return err
		}

		a := types.NewAllocation(userID, sub.ID, entry, internalAddr,
			sub.PortForwardsPerRegion, c.deps.Clock.Now())
		if err := c.deps.Allocs.Create(ctx, tx, a); err != nil {
			return err
		}
		alloc = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// provisionForRegion provisions exactly one pool entry for the region,
// deduped per region via singleflight so an allocation storm produces one
// provider call instead of N.
func (c *Coordinator) provisionForRegion(ctx context.Context, region, nodeID string) error {
	_, err, shared := c.flight.Do(region, func() (any, error) {
		start := c.deps.Clock.Now()
		res, err := c.deps.Provisioner.ProvisionStaticIP(ctx, region, nodeID)
		if err != nil {
			c.count(ctx, types.MetricProvisioningFailure, map[string]string{types.DimRegion: region})
			return nil, err
		}
		c.duration(ctx, types.MetricProvisioningLatency,
			float64(c.deps.Clock.Now().Sub(start).Milliseconds()),
			map[string]string{types.DimRegion: region})

		entry := types.NewPoolEntry(res.Address, region, res.CloudResourceRef,
			nodeID, res.MonthlyCostCents, c.deps.Clock.Now())
		if err := c.deps.Pool.Insert(ctx, c.deps.DB, entry); err != nil {
			// The cloud reservation would otherwise leak billable.
			if dErr := c.deps.Provisioner.DeprovisionStaticIP(ctx, res.CloudResourceRef); dErr != nil {
				c.logger.ErrorContext(ctx, "failed to deprovision orphaned IP after insert failure",
					"resource_ref", res.CloudResourceRef,
					"error", dErr.Error(),
				)
			}
			return nil, err
		}

		c.logger.InfoContext(ctx, "pool entry provisioned on demand",
			"region", region,
			"node_id", nodeID,
			"address", entry.Address,
		)
		return entry, nil
	})
	if shared {
		c.logger.InfoContext(ctx, "provisioning deduped across concurrent allocations",
			"region", region,
		)
	}
	return err
}

// configure walks the allocation from PENDING through CONFIGURING to ACTIVE
// by installing the NAT binding on the node. On node failure the allocation
// is marked FAILED and every reservation is returned.
//
// The owner can release the allocation at any point after the PENDING insert.
// A lost status transition means the release cascade already returned the
// pool entry and the region slot, so the rollback must be skipped: returning
// them again would credit the user a free quota unit.
func (c *Coordinator) configure(ctx context.Context, alloc *types.Allocation, sub *types.Subscription) error {
	won, err := c.deps.Allocs.MarkConfiguring(ctx, alloc.ID)
	if err != nil {
		c.rollbackReservations(ctx, alloc)
		return err
	}
	if !won {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			"allocation was released before configuration", nil)
	}
	alloc.Status = types.AllocStatusConfiguring

	agentErr := c.deps.Agent.ConfigureAllocation(ctx, alloc.NodeID, external.AllocationConfig{
		AllocationID:    alloc.ID,
		PublicAddress:   alloc.PublicAddress,
		InternalAddress: alloc.InternalAddress,
	})
	if agentErr != nil {
		failed, err := c.deps.Allocs.MarkFailed(ctx, alloc.ID, agentErr.Error())
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to record allocation failure",
				"allocation_id", alloc.ID,
				"error", err.Error(),
			)
		}
		if failed || err != nil {
			c.rollbackReservations(ctx, alloc)
		} else {
			c.logger.InfoContext(ctx, "allocation released during node configuration, skipping rollback",
				"allocation_id", alloc.ID,
			)
		}

		code := types.CodeOf(agentErr)
		if code != types.ErrCodeProvisioningNodeRejected && code != types.ErrCodeUpstreamUnavailable &&
			code != types.ErrCodeUpstreamRateLimited {
			code = types.ErrCodeProvisioningFailed
		}
		return types.NewAppError(code, "node configuration failed", agentErr)
	}

	configuredAt := c.deps.Clock.Now()
	if err := c.deps.Allocs.MarkActive(ctx, alloc.ID, configuredAt); err != nil {
		return err
	}
	alloc.Status = types.AllocStatusActive
	alloc.ConfiguredAt = &configuredAt
	return nil
}

// rollbackReservations returns the pool entry and the region slot after a
// post-commit failure. The allocation row stays FAILED for diagnostics; the
// partial unique indexes ignore failed rows so nothing stays blocked.
func (c *Coordinator) rollbackReservations(ctx context.Context, alloc *types.Allocation) {
	err := c.deps.Tx.RunInTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		if err := c.deps.Pool.Release(ctx, tx, alloc.PoolEntryID); err != nil {
			return err
		}
		return c.deps.Subs.ReleaseRegion(ctx, tx, alloc.SubscriptionID)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to roll back allocation reservations",
			"allocation_id", alloc.ID,
			"pool_entry_id", alloc.PoolEntryID,
			"error", err.Error(),
		)
	}
}

// Release tears down the user's allocation: NAT removal (best-effort), rule
// cascade soft-delete, pool entry release, and region slot return.
//
// Idempotent: releasing an allocation that is already RELEASED or FAILED
// returns nil without touching anything.
func (c *Coordinator) Release(ctx context.Context, userID, allocationID string) error {
	alloc, err := c.deps.Allocs.GetByID(ctx, allocationID, userID)
	if err != nil {
		return err
	}
	if alloc.Status.Terminal() {
		c.logger.InfoContext(ctx, "release of terminal allocation is a no-op",
			"allocation_id", allocationID,
			"status", string(alloc.Status),
		)
		return nil
	}

	// Teardown before the DB transition so a node outage surfaces here
	// without consuming the release; best-effort because the node may be
	// gone entirely, in which case its state is moot.
	if err := c.deps.Agent.TeardownAllocation(ctx, alloc.NodeID, alloc.ID); err != nil {
		c.logger.WarnContext(ctx, "node teardown failed; proceeding with release",
			"allocation_id", alloc.ID,
			"node_id", alloc.NodeID,
			"error", err.Error(),
		)
	}

	releasedAt := c.deps.Clock.Now()
	err = c.deps.Tx.RunInTx(ctx, func(ctx context.Context, tx db.DBTX) error {
		rows, err := c.deps.Allocs.MarkReleased(ctx, tx, alloc.ID, releasedAt)
		if err != nil {
			return err
		}
		if rows == 0 {
			// A concurrent release won; nothing left to clean up.
			return nil
		}
		if _, err := c.deps.Rules.SoftDeleteByAllocation(ctx, tx, alloc.ID, releasedAt); err != nil {
			return err
		}
		if err := c.deps.Pool.Release(ctx, tx, alloc.PoolEntryID); err != nil {
			return err
		}
		return c.deps.Subs.ReleaseRegion(ctx, tx, alloc.SubscriptionID)
	})
	if err != nil {
		return err
	}

	c.count(ctx, types.MetricAllocationReleased, map[string]string{types.DimRegion: alloc.Region})
	c.logger.InfoContext(ctx, "static IP released",
		"allocation_id", alloc.ID,
		"user_id", userID,
		"region", alloc.Region,
	)
	return nil
}

// ListUserAllocations returns the user's non-released allocations.
func (c *Coordinator) ListUserAllocations(ctx context.Context, userID string) ([]*types.Allocation, error) {
	return c.deps.Allocs.ListByUser(ctx, userID)
}

// ListAvailableRegions returns the regions where an allocation can currently
// be satisfied: provider regions that have at least one online, capable node,
// with the current free pool depth per region. A region with zero free IPs is
// still listed (the coordinator provisions on demand) as long as a node is
// online.
func (c *Coordinator) ListAvailableRegions(ctx context.Context) ([]types.RegionAvailability, error) {
	regions, err := c.deps.Provisioner.ListRegions(ctx)
	if err != nil {
		return nil, err
	}
	nodeCounts, err := c.deps.Nodes.CountOnlineByRegion(ctx)
	if err != nil {
		return nil, err
	}
	poolCounts, err := c.deps.Pool.CountAvailableByRegion(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.RegionAvailability, 0, len(regions))
	for _, region := range regions {
		nodes := nodeCounts[region]
		if nodes == 0 {
			continue
		}
		avail := types.RegionAvailability{
			Region:       region,
			AvailableIPs: poolCounts[region],
			OnlineNodes:  nodes,
		}
		c.gauge(ctx, types.MetricPoolDepth, float64(avail.AvailableIPs),
			map[string]string{types.DimRegion: region})
		out = append(out, avail)
	}
	return out, nil
}

// maybeRequestReplenish publishes a replenish job when the claim drained the
// region pool below the floor. Best-effort: failures are logged, never
// surfaced.
func (c *Coordinator) maybeRequestReplenish(ctx context.Context, region string) {
	floor := c.deps.ReplenishFloor
	if floor <= 0 || c.deps.Replenish == nil || !c.deps.Replenish.Enabled() {
		return
	}
	free, err := c.deps.Pool.CountAvailable(ctx, region)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to read pool depth for replenish check",
			"region", region,
			"error", err.Error(),
		)
		return
	}
	if free >= floor {
		return
	}
	if err := c.deps.Replenish.RequestReplenish(ctx, region, floor, "claim_drained_pool"); err != nil {
		c.logger.WarnContext(ctx, "failed to request pool replenishment",
			"region", region,
			"error", err.Error(),
		)
	}
}

func (c *Coordinator) count(ctx context.Context, name string, dims map[string]string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Count(ctx, name, 1, dims)
	}
}

func (c *Coordinator) duration(ctx context.Context, name string, ms float64, dims map[string]string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Duration(ctx, name, ms, dims)
	}
}

func (c *Coordinator) gauge(ctx context.Context, name string, v float64, dims map[string]string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Gauge(ctx, name, v, dims)
	}
}
