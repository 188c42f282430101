package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"staticip/internal/types"
)

// PoolEntryRepository provides data access for the pool_entries table: the
// set of public IP addresses known per region and their allocation flags.
//
// The claim path is the hot spot of the whole subsystem. ClaimForRegion must
// run on a pgx.Tx shared with the allocation insert so the flag flip and the
// referencing row commit together or not at all.
type PoolEntryRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewPoolEntryRepository creates a new PoolEntryRepository backed by the
// given database connection (pool or transaction).
func NewPoolEntryRepository(db DBTX, logger *slog.Logger) *PoolEntryRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolEntryRepository{db: db, logger: logger}
}

// poolColumns is the standard column set for pool entry queries.
const poolColumns = `id, address, region, cloud_resource_ref, node_id,
	allocated, monthly_cost_cents, created_at, updated_at`

// scanPoolEntry scans a single pool entry row. The column order must match
// poolColumns.
func scanPoolEntry(row pgx.Row) (*types.PoolEntry, error) {
	var e types.PoolEntry
	err := row.Scan(
		&e.ID,
		&e.Address,
		&e.Region,
		&e.CloudResourceRef,
		&e.NodeID,
		&e.Allocated,
		&e.MonthlyCostCents,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert persists a newly provisioned pool entry. Called after the cloud
// provisioning adapter returns a fresh public IP.
func (r *PoolEntryRepository) Insert(ctx context.Context, q DBTX, entry *types.PoolEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO pool_entries (
			id, address, region, cloud_resource_ref, node_id,
			allocated, monthly_cost_cents, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID,
		entry.Address,
		entry.Region,
		entry.CloudResourceRef,
		entry.NodeID,
		entry.Allocated,
		entry.MonthlyCostCents,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert pool entry", err)
	}
	return nil
}

// ClaimForRegion atomically selects one unallocated entry for the region and
// flips its allocation flag. It must be called with a pgx.Tx so the flag flip
// commits together with the caller's allocation insert.
//
// FOR UPDATE SKIP LOCKED lets N concurrent claimers each lock a distinct row
// instead of serializing on the first free entry; losers see the next free
// row or none at all. Returns ErrCodeCapacityNoIPsAvailable when the region
// pool is empty.
func (r *PoolEntryRepository) ClaimForRegion(ctx context.Context, q DBTX, region string) (*types.PoolEntry, error) {
	row := q.QueryRow(ctx,
		`SELECT `+poolColumns+`
		 FROM pool_entries
		 WHERE region = $1 AND allocated = FALSE
		 ORDER BY created_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		region,
	)

	entry, err := scanPoolEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeCapacityNoIPsAvailable,
				"no IPs available in region "+region, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to select claimable pool entry", err)
	}

	tag, err := q.Exec(ctx,
		`UPDATE pool_entries SET allocated = TRUE, updated_at = NOW()
		 WHERE id = $1 AND allocated = FALSE`,
		entry.ID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to mark pool entry allocated", err)
	}
	if tag.RowsAffected() == 0 {
		// Row lock should make this unreachable; treat as a lost race.
		return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
			"pool entry claimed concurrently", nil)
	}

	entry.Allocated = true
	return entry, nil
}

// Release clears the allocation flag, making the entry immediately claimable
// again. Idempotent: releasing an already-free entry is a no-op, not an error.
func (r *PoolEntryRepository) Release(ctx context.Context, q DBTX, entryID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE pool_entries SET allocated = FALSE, updated_at = NOW()
		 WHERE id = $1 AND allocated = TRUE`,
		entryID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release pool entry", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("pool entry release was a no-op (already free or unknown)",
			slog.String("pool_entry_id", entryID))
	}
	return nil
}

// CountAvailable returns the number of unallocated entries for the region.
// Read-only availability query for catalog/dashboard views.
func (r *PoolEntryRepository) CountAvailable(ctx context.Context, region string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM pool_entries WHERE region = $1 AND allocated = FALSE`,
		region,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count available pool entries", err)
	}
	return count, nil
}

// CountAvailableByRegion returns region -> free entry count for all regions
// with at least one entry. Used by the region availability listing.
func (r *PoolEntryRepository) CountAvailableByRegion(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT region, COUNT(*) FILTER (WHERE allocated = FALSE)
		 FROM pool_entries
		 GROUP BY region`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count pool entries by region", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var region string
		var count int
		if err := rows.Scan(&region, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan region count row", err)
		}
		result[region] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating region count rows", err)
	}
	return result, nil
}

// GetByID retrieves a pool entry by ID. Returns ErrCodeNotFoundPoolEntry if
// no such entry exists.
func (r *PoolEntryRepository) GetByID(ctx context.Context, entryID string) (*types.PoolEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM pool_entries WHERE id = $1`,
		entryID,
	)
	entry, err := scanPoolEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPoolEntry, "pool entry not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve pool entry", err)
	}
	return entry, nil
}

// TouchVerified bumps updated_at after a successful verification pass. Used
// by the pool worker when it re-verifies idle entries against the cloud
// provider.
func (r *PoolEntryRepository) TouchVerified(ctx context.Context, entryID string, verifiedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE pool_entries SET updated_at = $1 WHERE id = $2`,
		verifiedAt, entryID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch pool entry", err)
	}
	return nil
}
