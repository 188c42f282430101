// Package plans provides the static plan catalog for subscription quotas.
package plans

import "staticip/internal/types"

// Catalog defines the authoritative quotas for each plan tier.
// This is the single source of truth consumed by subscription creation and
// plan-change validation; no other component may embed its own quota table.
type Catalog interface {
	// Limits returns the quotas for the given plan tier.
	// For unknown tiers, returns the most restrictive (Personal) limits
	// to fail safely.
	Limits(tier types.PlanTier) types.PlanLimits

	// Known reports whether the tier exists in the catalog. Subscription
	// creation rejects unknown tiers instead of silently downgrading.
	Known(tier types.PlanTier) bool
}

// staticCatalog is a compile-time plan catalog backed by an in-memory map.
// It implements Catalog and is the standard implementation for production use.
type staticCatalog struct {
	limits map[types.PlanTier]types.PlanLimits
}

// planDefaults defines the canonical plan quota table.
//
//	| Plan     | Regions | PortForwards/Region | $/mo  | $/yr   |
//	|----------|---------|---------------------|-------|--------|
//	| PERSONAL | 1       | 3                   | 5.00  | 50.00  |
//	| PRO      | 3       | 10                  | 15.00 | 150.00 |
//	| BUSINESS | 10      | 25                  | 49.00 | 490.00 |
//
// Prices are stored in cents.
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanPersonal: {
		RegionsIncluded:       1,
		PortForwardsPerRegion: 3,
		PriceMonthlyCents:     500,
		PriceYearlyCents:      5000,
	},
	types.PlanPro: {
		RegionsIncluded:       3,
		PortForwardsPerRegion: 10,
		PriceMonthlyCents:     1500,
		PriceYearlyCents:      15000,
	},
	types.PlanBusiness: {
		RegionsIncluded:       10,
		PortForwardsPerRegion: 25,
		PriceMonthlyCents:     4900,
		PriceYearlyCents:      49000,
	},
}

// personalLimits is cached to avoid map lookups on the fallback path.
var personalLimits = planDefaults[types.PlanPersonal]

// NewStaticCatalog returns a Catalog backed by the canonical quota table.
// This is the standard production implementation; no database or external
// service is required.
func NewStaticCatalog() Catalog {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanTier]types.PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticCatalog{limits: m}
}

// Limits returns the quotas for the given plan tier.
// If the tier is unknown, it returns the Personal tier limits as a safe default.
func (c *staticCatalog) Limits(tier types.PlanTier) types.PlanLimits {
	if limits, ok := c.limits[tier]; ok {
		return limits
	}
	return personalLimits
}

// Known reports whether the tier exists in the catalog.
func (c *staticCatalog) Known(tier types.PlanTier) bool {
	_, ok := c.limits[tier]
	return ok
}
