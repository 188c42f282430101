package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"staticip/internal/types"
)

// Partial unique index names on the allocations table. The constraint names
// drive the 23505 -> AppError mapping in Create.
const (
	uqAllocationsUserRegion = "uq_allocations_user_region"
	uqAllocationsPoolEntry  = "uq_allocations_pool_entry"
	uqAllocationsNodeTunnel = "uq_allocations_node_tunnel"
)

// liveStatuses is the SQL fragment matching allocations that hold resources.
// Released and failed allocations are fully rolled back and hold nothing.
const liveStatuses = `('pending', 'configuring', 'active')`

// AllocationRepository provides data access for the allocations table.
type AllocationRepository struct {
	db DBTX
}

// NewAllocationRepository creates a new AllocationRepository backed by the
// given database connection (pool or transaction).
func NewAllocationRepository(db DBTX) *AllocationRepository {
	return &AllocationRepository{db: db}
}

// allocColumns is the standard column set for allocation queries.
const allocColumns = `id, user_id, subscription_id, pool_entry_id, region,
	node_id, public_address, internal_address, status,
	port_forwards_included, port_forwards_used, last_error,
	created_at, updated_at, configured_at, released_at`

// scanAllocation scans a single allocation row. The column order must match
// allocColumns.
func scanAllocation(row pgx.Row) (*types.Allocation, error) {
	var a types.Allocation
	var lastError *string
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.SubscriptionID,
		&a.PoolEntryID,
		&a.Region,
		&a.NodeID,
		&a.PublicAddress,
		&a.InternalAddress,
		&a.Status,
		&a.PortForwardsIncluded,
		&a.PortForwardsUsed,
		&lastError,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ConfiguredAt,
		&a.ReleasedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastError != nil {
		a.LastError = *lastError
	}
	return &a, nil
}

// Create inserts a PENDING allocation. It must run on the same transaction
// as the pool entry claim. Unique violations are mapped by constraint:
//   - (user, region)            -> ErrCodeConflictRegionAllocated
//   - (pool_entry_id)           -> ErrCodeConflictConcurrent (lost claim race)
//   - (node, internal_address)  -> ErrCodeConflictConcurrent (tunnel addr race)
func (r *AllocationRepository) Create(ctx context.Context, q DBTX, alloc *types.Allocation) error {
	_, err := q.Exec(ctx,
		`INSERT INTO allocations (
			id, user_id, subscription_id, pool_entry_id, region,
			node_id, public_address, internal_address, status,
			port_forwards_included, port_forwards_used,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		alloc.ID,
		alloc.UserID,
		alloc.SubscriptionID,
		alloc.PoolEntryID,
		alloc.Region,
		alloc.NodeID,
		alloc.PublicAddress,
		alloc.InternalAddress,
		alloc.Status,
		alloc.PortForwardsIncluded,
		alloc.PortForwardsUsed,
		alloc.CreatedAt,
		alloc.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err, uqAllocationsUserRegion):
			return types.NewAppError(types.ErrCodeConflictRegionAllocated,
				"user already has a static IP in this region", err)
		case isUniqueViolation(err, uqAllocationsPoolEntry),
			isUniqueViolation(err, uqAllocationsNodeTunnel):
			return types.NewAppError(types.ErrCodeConflictConcurrent,
				"allocation resources claimed concurrently", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create allocation", err)
	}
	return nil
}

// GetByID retrieves an allocation by ID scoped to the owning user. The user
// scope enforces ownership at the DB level; a foreign allocation is
// indistinguishable from a missing one.
func (r *AllocationRepository) GetByID(ctx context.Context, allocationID, userID string) (*types.Allocation, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+allocColumns+`
		 FROM allocations
		 WHERE id = $1 AND user_id = $2`,
		allocationID, userID,
	)
	alloc, err := scanAllocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAllocation, "allocation not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve allocation", err)
	}
	return alloc, nil
}

// HasLiveInRegion reports whether the user already holds a live (pending,
// configuring, or active) allocation in the region. Pre-check only; the
// partial unique index is the backstop.
func (r *AllocationRepository) HasLiveInRegion(ctx context.Context, userID, region string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM allocations
			WHERE user_id = $1 AND region = $2 AND status IN `+liveStatuses+`
		)`,
		userID, region,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check region allocation", err)
	}
	return exists, nil
}

// ListByUser retrieves the user's allocations, newest first. Released
// allocations are excluded; failed ones are kept visible so callers can see
// the recorded error.
func (r *AllocationRepository) ListByUser(ctx context.Context, userID string) ([]*types.Allocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+allocColumns+`
		 FROM allocations
		 WHERE user_id = $1 AND status != 'released'
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list allocations", err)
	}
	defer rows.Close()

	var results []*types.Allocation
	for rows.Next() {
		alloc, scanErr := scanAllocation(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan allocation row", scanErr)
		}
		results = append(results, alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating allocation rows", err)
	}
	return results, nil
}

// ListInternalAddressesByNode returns the tunnel addresses of all live
// allocations on the node. Used by the coordinator's collision-checked
// address generation.
func (r *AllocationRepository) ListInternalAddressesByNode(ctx context.Context, nodeID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT internal_address FROM allocations
		 WHERE node_id = $1 AND status IN `+liveStatuses,
		nodeID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list node tunnel addresses", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan tunnel address row", err)
		}
		addrs = append(addrs, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating tunnel address rows", err)
	}
	return addrs, nil
}

// MarkConfiguring transitions pending -> configuring. Returns false when the
// allocation left pending in the meantime (e.g. an owner-issued release raced
// the configuration step); the caller decides what the lost race means.
func (r *AllocationRepository) MarkConfiguring(ctx context.Context, allocationID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE allocations SET status = 'configuring', updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		allocationID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark allocation configuring", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkActive transitions configuring -> active and stamps configured_at.
func (r *AllocationRepository) MarkActive(ctx context.Context, allocationID string, configuredAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE allocations
		 SET status = 'active', configured_at = $1, last_error = NULL, updated_at = NOW()
		 WHERE id = $2 AND status = 'configuring'`,
		configuredAt, allocationID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark allocation active", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			"allocation is no longer configuring", nil)
	}
	return nil
}

// MarkFailed transitions any pre-active state to failed, recording the error
// text for diagnostics. Returns false without error when the allocation
// already reached a terminal or active state; a release that won the race has
// its own cascade, and the caller must not return the reservations again.
func (r *AllocationRepository) MarkFailed(ctx context.Context, allocationID, errText string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE allocations
		 SET status = 'failed', last_error = $1, updated_at = NOW()
		 WHERE id = $2 AND status IN ('pending', 'configuring')`,
		errText, allocationID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark allocation failed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkReleased transitions any live state to released and stamps
// released_at. Returns the number of rows updated: 0 means the allocation
// was already terminal, which the coordinator uses for release idempotence.
func (r *AllocationRepository) MarkReleased(ctx context.Context, q DBTX, allocationID string, releasedAt time.Time) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE allocations
		 SET status = 'released', released_at = $1, updated_at = NOW()
		 WHERE id = $2 AND status IN `+liveStatuses,
		releasedAt, allocationID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark allocation released", err)
	}
	return tag.RowsAffected(), nil
}

// IncrementPortForwardsUsed bumps the allocation's rule counter. The counter
// is a denormalized convenience for dashboards; the rule quota check itself
// counts rule rows (see rule repository) so the counter is not a correctness
// dependency.
func (r *AllocationRepository) IncrementPortForwardsUsed(ctx context.Context, q DBTX, allocationID string) error {
	_, err := q.Exec(ctx,
		`UPDATE allocations
		 SET port_forwards_used = port_forwards_used + 1, updated_at = NOW()
		 WHERE id = $1`,
		allocationID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment port forward counter", err)
	}
	return nil
}

// DecrementPortForwardsUsed lowers the allocation's rule counter, guarded
// against going negative.
func (r *AllocationRepository) DecrementPortForwardsUsed(ctx context.Context, q DBTX, allocationID string) error {
	_, err := q.Exec(ctx,
		`UPDATE allocations
		 SET port_forwards_used = port_forwards_used - 1, updated_at = NOW()
		 WHERE id = $1 AND port_forwards_used > 0`,
		allocationID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to decrement port forward counter", err)
	}
	return nil
}
