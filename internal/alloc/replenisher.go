package alloc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"staticip/internal/db"
	"staticip/internal/external"
	"staticip/internal/types"
)

// ReplenisherPoolStore is the slice of the pool entry repository the
// replenisher uses.
type ReplenisherPoolStore interface {
	Insert(ctx context.Context, q db.DBTX, entry *types.PoolEntry) error
	CountAvailable(ctx context.Context, region string) (int, error)
	TouchVerified(ctx context.Context, entryID string, verifiedAt time.Time) error
}

// ReplenisherDeps bundles the replenisher's collaborators.
type ReplenisherDeps struct {
	DB          db.DBTX
	Pool        ReplenisherPoolStore
	Nodes       NodeStore
	Provisioner external.CloudProvisioner
	Metrics     external.MetricsEmitter
	Clock       types.Clock
	Logger      *slog.Logger

	// MaxPerJob caps how many IPs a single job provisions, bounding the
	// damage of a bad floor value. 0 means the default.
	MaxPerJob int
}

const defaultMaxPerJob = 10

// Replenisher restocks a region's free IP pool up to a floor. It runs in the
// pool worker, off the allocation hot path, so a provisioning storm during a
// signup burst does not serialize user requests.
type Replenisher struct {
	deps ReplenisherDeps
}

// NewReplenisher creates a Replenisher.
func NewReplenisher(deps ReplenisherDeps) *Replenisher {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxPerJob <= 0 {
		deps.MaxPerJob = defaultMaxPerJob
	}
	return &Replenisher{deps: deps}
}

// ReplenishRegion provisions IPs for the region until the free count reaches
// the floor. It re-reads the live count first, which makes duplicate or stale
// messages cheap no-ops, and verifies each provisioned address before leaving
// it available for claims.
//
// Returns the number of entries provisioned. A mid-loop provisioning failure
// returns the partial count alongside the error; already-inserted entries
// stay in the pool.
func (r *Replenisher) ReplenishRegion(ctx context.Context, region string, floor int) (int, error) {
	log := r.deps.Logger.With("region", region, "floor", floor)

	if region == "" || floor <= 0 {
		log.WarnContext(ctx, "replenish job ignored: invalid parameters")
		return 0, nil
	}

	available, err := r.deps.Pool.CountAvailable(ctx, region)
	if err != nil {
		return 0, fmt.Errorf("counting available entries for %s: %w", region, err)
	}

	deficit := floor - available
	if deficit <= 0 {
		log.InfoContext(ctx, "pool already at floor, nothing to do", "available", available)
		return 0, nil
	}
	if deficit > r.deps.MaxPerJob {
		log.WarnContext(ctx, "deficit exceeds per-job cap, truncating",
			"deficit", deficit, "max_per_job", r.deps.MaxPerJob)
		deficit = r.deps.MaxPerJob
	}

	node, err := r.deps.Nodes.FindOnlineForRegion(ctx, region)
	if err != nil {
		return 0, fmt.Errorf("selecting node for %s: %w", region, err)
	}

	provisioned := 0
	for i := 0; i < deficit; i++ {
		if err := r.provisionOne(ctx, region, node.ID); err != nil {
			return provisioned, fmt.Errorf("provisioning entry %d/%d for %s: %w", i+1, deficit, region, err)
		}
		provisioned++
	}

	r.gauge(ctx, types.MetricPoolDepth, float64(available+provisioned), map[string]string{types.DimRegion: region})
	log.InfoContext(ctx, "replenish complete",
		"provisioned", provisioned,
		"available_before", available,
	)
	return provisioned, nil
}

// provisionOne acquires a single static IP from the cloud provider, records
// it in the pool, and verifies it. A pool insert failure deprovisions the
// cloud resource so no IP leaks outside the registry.
func (r *Replenisher) provisionOne(ctx context.Context, region, nodeID string) error {
	start := r.deps.Clock.Now()
	result, err := r.deps.Provisioner.ProvisionStaticIP(ctx, region, nodeID)
	if err != nil {
		r.count(ctx, types.MetricProvisioningFailure, 1, map[string]string{types.DimRegion: region})
		return err
	}
	r.duration(ctx, types.MetricProvisioningLatency,
		float64(r.deps.Clock.Now().Sub(start).Milliseconds()), map[string]string{types.DimRegion: region})

	entry := types.NewPoolEntry(result.Address, region, result.CloudResourceRef, nodeID,
		result.MonthlyCostCents, r.deps.Clock.Now())

	if err := r.deps.Pool.Insert(ctx, r.deps.DB, entry); err != nil {
		r.deps.Logger.ErrorContext(ctx, "pool insert failed after provisioning, deprovisioning orphan",
			"region", region,
			"cloud_ref", result.CloudResourceRef,
			"error", err,
		)
		if depErr := r.deps.Provisioner.DeprovisionStaticIP(ctx, result.CloudResourceRef); depErr != nil {
			r.deps.Logger.ErrorContext(ctx, "orphan deprovision failed, manual cleanup required",
				"cloud_ref", result.CloudResourceRef,
				"error", depErr,
			)
		}
		return err
	}

	// Confirm the address answers at the provider before claims can pick it
	// up. A verification miss is logged, not fatal: the address usually
	// converges within seconds of provisioning.
	ok, err := r.deps.Provisioner.VerifyStaticIP(ctx, result.CloudResourceRef)
	switch {
	case err != nil:
		r.deps.Logger.WarnContext(ctx, "verification call failed",
			"entry_id", entry.ID, "cloud_ref", result.CloudResourceRef, "error", err)
	case !ok:
		r.deps.Logger.WarnContext(ctx, "provisioned address not yet verified at provider",
			"entry_id", entry.ID, "cloud_ref", result.CloudResourceRef)
	default:
		if err := r.deps.Pool.TouchVerified(ctx, entry.ID, r.deps.Clock.Now()); err != nil {
			r.deps.Logger.WarnContext(ctx, "failed to stamp verification",
				"entry_id", entry.ID, "error", err)
		}
	}

	r.count(ctx, types.MetricPoolReplenished, 1, map[string]string{types.DimRegion: region})
	return nil
}

func (r *Replenisher) count(ctx context.Context, name string, v float64, dims map[string]string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.Count(ctx, name, v, dims)
	}
}

func (r *Replenisher) duration(ctx context.Context, name string, ms float64, dims map[string]string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.Duration(ctx, name, ms, dims)
	}
}

func (r *Replenisher) gauge(ctx context.Context, name string, v float64, dims map[string]string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.Gauge(ctx, name, v, dims)
	}
}
