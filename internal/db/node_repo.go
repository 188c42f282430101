package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"staticip/internal/types"
)

// NodeRepository provides read-only access to the nodes table. Node
// registration and heartbeating belong to the fleet manager, an external
// collaborator; this core only resolves which online node in a region can
// host a new allocation.
type NodeRepository struct {
	db DBTX
}

// NewNodeRepository creates a new NodeRepository backed by the given database
// connection (pool or transaction).
func NewNodeRepository(db DBTX) *NodeRepository {
	return &NodeRepository{db: db}
}

// nodeColumns is the standard column set for node queries.
const nodeColumns = `id, region, hostname, online, static_ip_capable,
	port_forward_capable, current_allocations, max_allocations, updated_at`

// scanNode scans a single node row. The column order must match nodeColumns.
func scanNode(row pgx.Row) (*types.Node, error) {
	var n types.Node
	err := row.Scan(
		&n.ID,
		&n.Region,
		&n.Hostname,
		&n.Online,
		&n.StaticIPCapable,
		&n.PortForwardCapable,
		&n.CurrentAllocations,
		&n.MaxAllocations,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// FindOnlineForRegion resolves an online, capable, under-capacity node in the
// region, preferring the least-loaded one. Returns
// ErrCodeCapacityNoNodeAvailable when the region has no eligible node.
func (r *NodeRepository) FindOnlineForRegion(ctx context.Context, region string) (*types.Node, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+nodeColumns+`
		 FROM nodes
		 WHERE region = $1
		   AND online = TRUE
		   AND static_ip_capable = TRUE
		   AND port_forward_capable = TRUE
		   AND (max_allocations = 0 OR current_allocations < max_allocations)
		 ORDER BY current_allocations
		 LIMIT 1`,
		region,
	)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeCapacityNoNodeAvailable,
				"no node available in region "+region, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve node for region", err)
	}
	return node, nil
}

// CountOnlineByRegion returns region -> count of online, static-IP-capable
// nodes. Used by the region availability listing.
func (r *NodeRepository) CountOnlineByRegion(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT region, COUNT(*)
		 FROM nodes
		 WHERE online = TRUE AND static_ip_capable = TRUE
		 GROUP BY region`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count online nodes", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var region string
		var count int
		if err := rows.Scan(&region, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan node count row", err)
		}
		result[region] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating node count rows", err)
	}
	return result, nil
}
