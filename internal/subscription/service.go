// Package subscription implements subscription lifecycle management: creation
// against the plan catalog, plan changes with downgrade guards, cancellation,
// and the scheduled expiry sweep.
package subscription

import (
	"context"
	"log/slog"
	"time"

	"staticip/internal/plans"
	"staticip/internal/types"
)

// Store is the slice of the subscription repository the service uses.
type Store interface {
	Create(ctx context.Context, sub *types.Subscription) error
	GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	UpdatePlan(ctx context.Context, subscriptionID string, plan types.PlanTier, limits types.PlanLimits) error
	Cancel(ctx context.Context, userID string, now time.Time) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// AddonStore is the slice of the addon repository the sweep uses.
type AddonStore interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service coordinates subscription operations against the plan catalog.
type Service struct {
	store   Store
	addons  AddonStore
	catalog plans.Catalog
	clock   types.Clock
	logger  *slog.Logger
}

// NewService creates a subscription Service. Clock and logger default when
// nil.
func NewService(store Store, addons AddonStore, catalog plans.Catalog, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		addons:  addons,
		catalog: catalog,
		clock:   clock,
		logger:  logger,
	}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	UserID      string
	Plan        types.PlanTier
	Term        types.PlanTerm
	AutoRenew   bool
	ExternalRef string // billing-system reference, opaque here
}

// Create opens an active subscription for the user. Exactly one non-terminal
// subscription may exist per user; a second attempt fails with a conflict
// regardless of plan.
func (s *Service) Create(ctx context.Context, params CreateParams) (*types.Subscription, error) {
	if params.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}
	if !s.catalog.Known(params.Plan) {
		return nil, types.NewAppError(types.ErrCodeValidationUnknownPlan,
			"unknown plan: "+string(params.Plan), nil)
	}
	term := params.Term
	if term == "" {
		term = types.TermMonthly
	}
	if !term.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"plan term must be monthly or yearly", nil)
	}

	limits := s.catalog.Limits(params.Plan)
	sub := types.NewSubscription(params.UserID, params.Plan, limits, term,
		params.AutoRenew, params.ExternalRef, s.clock.Now())

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"user_id", params.UserID,
		"plan", string(params.Plan),
		"term", string(term),
	)
	return sub, nil
}

// Get returns the user's active subscription.
func (s *Service) Get(ctx context.Context, userID string) (*types.Subscription, error) {
	return s.store.GetActiveByUserID(ctx, userID)
}

// ChangePlan moves the user's subscription to a new plan. Downgrades below
// the current regions_used are rejected; the user must release allocations
// first. The repository's conditional UPDATE re-checks the guard so a
// concurrent allocation cannot slip under the new quota.
func (s *Service) ChangePlan(ctx context.Context, userID string, newPlan types.PlanTier) (*types.Subscription, error) {
	if !s.catalog.Known(newPlan) {
		return nil, types.NewAppError(types.ErrCodeValidationUnknownPlan,
			"unknown plan: "+string(newPlan), nil)
	}

	sub, err := s.store.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Plan == newPlan {
		return sub, nil
	}

	limits := s.catalog.Limits(newPlan)
	if sub.RegionsUsed > limits.RegionsIncluded {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictPlanDowngrade,
			"release static IPs before downgrading", nil,
			map[string]any{
				"regions_used":     sub.RegionsUsed,
				"regions_included": limits.RegionsIncluded,
			})
	}

	if err := s.store.UpdatePlan(ctx, sub.ID, newPlan, limits); err != nil {
		return nil, err
	}

	sub.Plan = newPlan
	sub.RegionsIncluded = limits.RegionsIncluded
	sub.PortForwardsPerRegion = limits.PortForwardsPerRegion

	s.logger.InfoContext(ctx, "subscription plan changed",
		"subscription_id", sub.ID,
		"user_id", userID,
		"plan", string(newPlan),
	)
	return sub, nil
}

// Cancel stops auto-renewal. Allocations survive until the subscription
// actually expires; the sweeper handles the rest.
func (s *Service) Cancel(ctx context.Context, userID string) error {
	if err := s.store.Cancel(ctx, userID, s.clock.Now()); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "subscription cancelled", "user_id", userID)
	return nil
}

// SweepResult reports what one sweep pass changed.
type SweepResult struct {
	SubscriptionsExpired int64 `json:"subscriptions_expired"`
	AddonsExpired        int64 `json:"addons_expired"`
}

// SweepExpired flags subscriptions and port-forward addons whose expiry has
// passed. Invoked by the scheduled sweeper; safe to run concurrently since
// both updates are conditional on the current status.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()

	subsExpired, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		return SweepResult{}, err
	}

	var addonsExpired int64
	if s.addons != nil {
		addonsExpired, err = s.addons.SweepExpired(ctx, now)
		if err != nil {
			return SweepResult{SubscriptionsExpired: subsExpired}, err
		}
	}

	if subsExpired > 0 || addonsExpired > 0 {
		s.logger.InfoContext(ctx, "expiry sweep completed",
			"subscriptions_expired", subsExpired,
			"addons_expired", addonsExpired,
		)
	}
	return SweepResult{
		SubscriptionsExpired: subsExpired,
		AddonsExpired:        addonsExpired,
	}, nil
}
