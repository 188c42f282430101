package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"staticip/internal/types"
)

// uqSubscriptionsActiveUser is the partial unique index enforcing one
// non-terminal subscription per user.
const uqSubscriptionsActiveUser = "uq_subscriptions_active_user"

// SubscriptionRepository provides data access for the subscriptions table.
//
// Key invariants:
//   - One non-terminal subscription per user, enforced by a partial unique
//     index; the insert maps 23505 to ErrCodeConflictSubscriptionExists.
//   - 0 <= regions_used <= regions_included, enforced by conditional UPDATEs
//     whose WHERE clauses carry the quota predicate. There is never a
//     read-modify-write cycle on the counter.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by the
// given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

// subColumns is the standard column set for subscription queries.
const subColumns = `id, user_id, plan, status, regions_included, regions_used,
	port_forwards_per_region, auto_renew, external_ref, expires_at,
	cancelled_at, created_at, updated_at`

// scanSubscription scans a single subscription row. The column order must
// match subColumns.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	var externalRef *string
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Plan,
		&s.Status,
		&s.RegionsIncluded,
		&s.RegionsUsed,
		&s.PortForwardsPerRegion,
		&s.AutoRenew,
		&externalRef,
		&s.ExpiresAt,
		&s.CancelledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalRef != nil {
		s.ExternalRef = *externalRef
	}
	return &s, nil
}

// Create inserts a new subscription. Fails with
// ErrCodeConflictSubscriptionExists if the user already holds a non-terminal
// subscription (partial unique index backstop).
func (r *SubscriptionRepository) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (
			id, user_id, plan, status, regions_included, regions_used,
			port_forwards_per_region, auto_renew, external_ref, expires_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sub.ID,
		sub.UserID,
		sub.Plan,
		sub.Status,
		sub.RegionsIncluded,
		sub.RegionsUsed,
		sub.PortForwardsPerRegion,
		sub.AutoRenew,
		nilIfEmpty(sub.ExternalRef),
		sub.ExpiresAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, uqSubscriptionsActiveUser) {
			return types.NewAppError(types.ErrCodeConflictSubscriptionExists,
				"user already has an active subscription", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// GetActiveByUserID retrieves the user's active subscription. Returns
// ErrCodeNotFoundSubscription when none exists.
func (r *SubscriptionRepository) GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND status = 'active'`,
		userID,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription,
				"no active subscription for user", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// ReserveRegion atomically increments regions_used, rejecting the reservation
// once the quota is exhausted. The quota predicate lives in the WHERE clause
// so two concurrent requests for the user's last remaining slot cannot both
// succeed.
func (r *SubscriptionRepository) ReserveRegion(ctx context.Context, q DBTX, subscriptionID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE subscriptions
		 SET regions_used = regions_used + 1, updated_at = NOW()
		 WHERE id = $1
		   AND status = 'active'
		   AND regions_used < regions_included`,
		subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reserve region slot", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeCapacityRegionLimit, "region limit reached", nil)
	}
	return nil
}

// ReleaseRegion atomically decrements regions_used. The guard keeps the
// counter non-negative; a zero-row update means the slot was already
// released, which is logged and ignored rather than surfaced.
func (r *SubscriptionRepository) ReleaseRegion(ctx context.Context, q DBTX, subscriptionID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE subscriptions
		 SET regions_used = regions_used - 1, updated_at = NOW()
		 WHERE id = $1 AND regions_used > 0`,
		subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release region slot", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn("region slot release was a no-op (counter already zero)",
			slog.String("subscription_id", subscriptionID))
	}
	return nil
}

// UpdatePlan changes the subscription's plan and quota columns. The WHERE
// clause re-checks the downgrade guard (regions_used must fit the new quota)
// so a concurrent allocation between the service's pre-check and this write
// still cannot over-commit the new plan.
func (r *SubscriptionRepository) UpdatePlan(ctx context.Context, subscriptionID string, plan types.PlanTier, limits types.PlanLimits) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan = $1,
		     regions_included = $2,
		     port_forwards_per_region = $3,
		     updated_at = NOW()
		 WHERE id = $4
		   AND status = 'active'
		   AND regions_used <= $2`,
		plan,
		limits.RegionsIncluded,
		limits.PortForwardsPerRegion,
		subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictPlanDowngrade,
			"regions in use exceed the new plan's quota", nil)
	}
	return nil
}

// Cancel stops auto-renewal and stamps the cancellation time. Allocations are
// not touched; cancellation only prevents the next renewal.
func (r *SubscriptionRepository) Cancel(ctx context.Context, userID string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET auto_renew = FALSE, cancelled_at = $1, updated_at = NOW()
		 WHERE user_id = $2 AND status = 'active'`,
		now, userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription,
			"no active subscription for user", nil)
	}
	return nil
}

// SweepExpired transitions active subscriptions whose expiry has passed to
// expired. It does not cascade-release allocations; that is a separate
// enforcement concern. Returns the number of subscriptions flagged.
func (r *SubscriptionRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'expired', updated_at = NOW()
		 WHERE status = 'active' AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sweep expired subscriptions", err)
	}
	return tag.RowsAffected(), nil
}

// nilIfEmpty maps an empty string to nil for nullable text columns.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
