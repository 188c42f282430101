package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"staticip/internal/types"
)

// uqRulesExternalTuple is the partial unique index enforcing tuple uniqueness
// among non-deleted rules. It is the final guarantor; the service-level
// conflict pre-check is only an optimization.
const uqRulesExternalTuple = "uq_rules_external_tuple"

// RuleRepository provides data access for the port_forward_rules table.
type RuleRepository struct {
	db DBTX
}

// NewRuleRepository creates a new RuleRepository backed by the given database
// connection (pool or transaction).
func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

// ruleColumns is the standard column set for rule queries.
const ruleColumns = `r.id, r.allocation_id, r.external_address, r.external_port,
	r.internal_port, r.internal_address, r.protocol, r.status, r.enabled,
	r.allowed_source_ips, r.from_addon, r.addon_id, r.bytes_in, r.bytes_out,
	r.last_error, r.created_at, r.updated_at, r.deleted_at`

// scanRule scans a single rule row. The column order must match ruleColumns.
// allowed_source_ips is a JSONB column scanned directly into the string slice
// by pgx; the in-memory API never sees the encoded form.
func scanRule(row pgx.Row) (*types.PortForwardRule, error) {
	var r types.PortForwardRule
	var addonID, lastError *string
	err := row.Scan(
		&r.ID,
		&r.AllocationID,
		&r.ExternalAddress,
		&r.ExternalPort,
		&r.InternalPort,
		&r.InternalAddress,
		&r.Protocol,
		&r.Status,
		&r.Enabled,
		&r.AllowedSourceIPs,
		&r.FromAddon,
		&addonID,
		&r.BytesIn,
		&r.BytesOut,
		&lastError,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if addonID != nil {
		r.AddonID = *addonID
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return &r, nil
}

// Create inserts a new rule. A unique violation on the external tuple index
// maps to ErrCodeConflictPortInUse, turning a lost check-then-insert race
// into a clean conflict for the caller.
func (r *RuleRepository) Create(ctx context.Context, q DBTX, rule *types.PortForwardRule) error {
	_, err := q.Exec(ctx,
		`INSERT INTO port_forward_rules (
			id, allocation_id, external_address, external_port,
			internal_port, internal_address, protocol, status, enabled,
			allowed_source_ips, from_addon, addon_id,
			bytes_in, bytes_out, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rule.ID,
		rule.AllocationID,
		rule.ExternalAddress,
		rule.ExternalPort,
		rule.InternalPort,
		rule.InternalAddress,
		rule.Protocol,
		rule.Status,
		rule.Enabled,
		rule.AllowedSourceIPs,
		rule.FromAddon,
		nilIfEmpty(rule.AddonID),
		rule.BytesIn,
		rule.BytesOut,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, uqRulesExternalTuple) {
			return types.NewAppError(types.ErrCodeConflictPortInUse, "port already in use", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create port forward rule", err)
	}
	return nil
}

// GetByID retrieves a rule by ID scoped to the owning user via the parent
// allocation. A foreign rule is indistinguishable from a missing one.
func (r *RuleRepository) GetByID(ctx context.Context, ruleID, userID string) (*types.PortForwardRule, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ruleColumns+`
		 FROM port_forward_rules r
		 JOIN allocations a ON a.id = r.allocation_id
		 WHERE r.id = $1 AND a.user_id = $2`,
		ruleID, userID,
	)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRule, "port forward rule not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve port forward rule", err)
	}
	return rule, nil
}

// ListByAllocation retrieves the allocation's rules, oldest first. Deleted
// rules are excluded unless includeDeleted is set.
func (r *RuleRepository) ListByAllocation(ctx context.Context, allocationID string, includeDeleted bool) ([]*types.PortForwardRule, error) {
	query := `SELECT ` + ruleColumns + `
		 FROM port_forward_rules r
		 WHERE r.allocation_id = $1`
	if !includeDeleted {
		query += ` AND r.status != 'deleted'`
	}
	query += ` ORDER BY r.created_at`

	rows, err := r.db.Query(ctx, query, allocationID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list port forward rules", err)
	}
	defer rows.Close()

	var results []*types.PortForwardRule
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan rule row", scanErr)
		}
		results = append(results, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating rule rows", err)
	}
	return results, nil
}

// CountActive returns the number of rules counting against the allocation's
// quota (every status except deleted; disabled rules are suspended, not
// freed).
func (r *RuleRepository) CountActive(ctx context.Context, q DBTX, allocationID string) (int, error) {
	var count int
	err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM port_forward_rules
		 WHERE allocation_id = $1 AND status != 'deleted'`,
		allocationID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count port forward rules", err)
	}
	return count, nil
}

// HasConflict reports whether a non-deleted rule already claims the
// (external address, external port, protocol) tuple, treating "both" as
// overlapping either single protocol. Pre-check only; the partial unique
// index backstops the race.
func (r *RuleRepository) HasConflict(ctx context.Context, q DBTX, externalAddress string, externalPort int, protocol types.Protocol) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM port_forward_rules
			WHERE external_address = $1
			  AND external_port = $2
			  AND status != 'deleted'
			  AND (protocol = $3 OR protocol = 'both' OR $3 = 'both')
		)`,
		externalAddress, externalPort, protocol,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check port conflict", err)
	}
	return exists, nil
}

// MarkActive transitions a rule to active after the node confirms the NAT
// mapping, clearing any prior error.
func (r *RuleRepository) MarkActive(ctx context.Context, ruleID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE port_forward_rules
		 SET status = 'active', last_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'configuring', 'disabled')`,
		ruleID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark rule active", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRule, "rule not found or already terminal", nil)
	}
	return nil
}

// RecordApplyError keeps the rule in pending with the node's error text so
// the caller can retry without recreating the rule.
func (r *RuleRepository) RecordApplyError(ctx context.Context, ruleID, errText string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE port_forward_rules
		 SET last_error = $1, updated_at = NOW()
		 WHERE id = $2 AND status = 'pending'`,
		errText, ruleID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record rule apply error", err)
	}
	return nil
}

// SetEnabled flips the enabled flag and the corresponding status. Disabling
// suspends the rule (status disabled); enabling returns it to active. The
// port reservation is retained either way.
func (r *RuleRepository) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	var query string
	if enabled {
		query = `UPDATE port_forward_rules
			 SET enabled = TRUE, status = 'active', updated_at = NOW()
			 WHERE id = $1 AND status = 'disabled'`
	} else {
		query = `UPDATE port_forward_rules
			 SET enabled = FALSE, status = 'disabled', updated_at = NOW()
			 WHERE id = $1 AND status IN ('pending', 'active')`
	}
	tag, err := r.db.Exec(ctx, query, ruleID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to toggle rule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			"rule is not in a toggleable state", nil)
	}
	return nil
}

// SoftDelete marks the rule deleted and disabled, freeing its quota slot.
// Idempotent: deleting an already-deleted rule affects zero rows and returns
// nil.
func (r *RuleRepository) SoftDelete(ctx context.Context, q DBTX, ruleID string, deletedAt time.Time) error {
	_, err := q.Exec(ctx,
		`UPDATE port_forward_rules
		 SET status = 'deleted', enabled = FALSE, deleted_at = $1, updated_at = NOW()
		 WHERE id = $2 AND status != 'deleted'`,
		deletedAt, ruleID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to soft-delete rule", err)
	}
	return nil
}

// SoftDeleteByAllocation cascades a soft delete over every non-deleted rule
// of the allocation. Used by the coordinator's release teardown. Returns the
// number of rules deleted.
func (r *RuleRepository) SoftDeleteByAllocation(ctx context.Context, q DBTX, allocationID string, deletedAt time.Time) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE port_forward_rules
		 SET status = 'deleted', enabled = FALSE, deleted_at = $1, updated_at = NOW()
		 WHERE allocation_id = $2 AND status != 'deleted'`,
		deletedAt, allocationID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to cascade rule deletion", err)
	}
	return tag.RowsAffected(), nil
}

// AddUsage accumulates traffic counters reported by the node agent.
func (r *RuleRepository) AddUsage(ctx context.Context, ruleID string, bytesIn, bytesOut int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE port_forward_rules
		 SET bytes_in = bytes_in + $1, bytes_out = bytes_out + $2, updated_at = NOW()
		 WHERE id = $3`,
		bytesIn, bytesOut, ruleID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record rule usage", err)
	}
	return nil
}
