package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"staticip/internal/types"
)

// AddonRepository provides data access for the port_forward_addons table:
// purchased extensions of an allocation's port quota. Addons expire and
// cancel independently of the allocation they augment.
type AddonRepository struct {
	db DBTX
}

// NewAddonRepository creates a new AddonRepository backed by the given
// database connection (pool or transaction).
func NewAddonRepository(db DBTX) *AddonRepository {
	return &AddonRepository{db: db}
}

// addonColumns is the standard column set for addon queries.
const addonColumns = `id, allocation_id, extra_ports, ports_used, status,
	expires_at, created_at, updated_at`

// scanAddon scans a single addon row. The column order must match addonColumns.
func scanAddon(row pgx.Row) (*types.PortForwardAddon, error) {
	var a types.PortForwardAddon
	err := row.Scan(
		&a.ID,
		&a.AllocationID,
		&a.ExtraPorts,
		&a.PortsUsed,
		&a.Status,
		&a.ExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new addon.
func (r *AddonRepository) Create(ctx context.Context, addon *types.PortForwardAddon) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO port_forward_addons (
			id, allocation_id, extra_ports, ports_used, status,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		addon.ID,
		addon.AllocationID,
		addon.ExtraPorts,
		addon.PortsUsed,
		addon.Status,
		addon.ExpiresAt,
		addon.CreatedAt,
		addon.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create port forward addon", err)
	}
	return nil
}

// SumActiveExtraPorts returns the total extra port capacity granted by
// unexpired active addons on the allocation. Feeds the rule quota check.
func (r *AddonRepository) SumActiveExtraPorts(ctx context.Context, q DBTX, allocationID string, now time.Time) (int, error) {
	var total int
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(extra_ports), 0)
		 FROM port_forward_addons
		 WHERE allocation_id = $1 AND status = 'active' AND expires_at > $2`,
		allocationID, now,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum addon capacity", err)
	}
	return total, nil
}

// FindConsumable returns the active addon with spare capacity whose expiry is
// nearest, or ErrCodeNotFoundAddon when none qualifies. Rules created beyond
// the plan's included quota are attributed to the returned addon.
func (r *AddonRepository) FindConsumable(ctx context.Context, q DBTX, allocationID string, now time.Time) (*types.PortForwardAddon, error) {
	row := q.QueryRow(ctx,
		`SELECT `+addonColumns+`
		 FROM port_forward_addons
		 WHERE allocation_id = $1
		   AND status = 'active'
		   AND expires_at > $2
		   AND ports_used < extra_ports
		 ORDER BY expires_at
		 LIMIT 1`,
		allocationID, now,
	)
	addon, err := scanAddon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAddon, "no consumable addon", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find consumable addon", err)
	}
	return addon, nil
}

// IncrementPortsUsed consumes one slot of the addon's capacity. The WHERE
// guard keeps usage within the grant even under concurrent rule creation.
func (r *AddonRepository) IncrementPortsUsed(ctx context.Context, q DBTX, addonID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE port_forward_addons
		 SET ports_used = ports_used + 1, updated_at = NOW()
		 WHERE id = $1 AND status = 'active' AND ports_used < extra_ports`,
		addonID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to consume addon slot", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeCapacityPortForwardLimit,
			"addon capacity exhausted", nil)
	}
	return nil
}

// DecrementPortsUsed returns one slot to the addon when a rule created
// against it is deleted. Guarded against going negative; expired addons
// still release their slots so the counters stay truthful.
func (r *AddonRepository) DecrementPortsUsed(ctx context.Context, q DBTX, addonID string) error {
	_, err := q.Exec(ctx,
		`UPDATE port_forward_addons
		 SET ports_used = ports_used - 1, updated_at = NOW()
		 WHERE id = $1 AND ports_used > 0`,
		addonID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to return addon slot", err)
	}
	return nil
}

// SweepExpired transitions active addons whose expiry has passed to expired.
// Returns the number of addons flagged.
func (r *AddonRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE port_forward_addons
		 SET status = 'expired', updated_at = NOW()
		 WHERE status = 'active' AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sweep expired addons", err)
	}
	return tag.RowsAffected(), nil
}
