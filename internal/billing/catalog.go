// Package billing provides the plan catalog and the billing engine facade.
package billing

import (
	"github.com/shopspring/decimal"

	"billcore/internal/types"
)

// Catalog is the authoritative source of plan prices and limits.
// It is the single source of truth for what each plan allows and costs.
type Catalog interface {
	// PriceOf returns the monthly price for the tier and whether the tier is
	// a known, purchasable plan. Trial is known but not purchasable.
	PriceOf(tier types.PlanTier) (decimal.Decimal, bool)

	// LimitsOf returns the resource limits for the tier. Unknown tiers get
	// the most restrictive (basic) limits to fail safely.
	LimitsOf(tier types.PlanTier) types.PlanLimits
}

// staticCatalog is a compile-time catalog backed by in-memory maps.
// It is the standard implementation for production use.
type staticCatalog struct {
	prices map[types.PlanTier]decimal.Decimal
	limits map[types.PlanTier]types.PlanLimits
}

// priceDefaults defines the hardcoded monthly plan prices in USD.
//
//	| Plan       | Price/Month | Contacts      |
//	|------------|-------------|---------------|
//	| Trial      | 0           | 200           |
//	| Basic      | 49          | 1,000         |
//	| Plus       | 199         | 5,000         |
//	| Premium    | 499         | 30,000        |
//	| Enterprise | 1,500       | 0 (unlimited) |
//
// Enterprise uses 0 contacts to represent "unlimited"; enforcement code must
// treat 0 as no limit.
var priceDefaults = map[types.PlanTier]decimal.Decimal{
	types.PlanTrial:      decimal.Zero,
	types.PlanBasic:      decimal.NewFromInt(49),
	types.PlanPlus:       decimal.NewFromInt(199),
	types.PlanPremium:    decimal.NewFromInt(499),
	types.PlanEnterprise: decimal.NewFromInt(1500),
}

var limitDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanTrial: {
		MaxContacts: 200,
		Features:    []string{"contacts"},
	},
	types.PlanBasic: {
		MaxContacts: 1000,
		Features:    []string{"contacts", "export"},
	},
	types.PlanPlus: {
		MaxContacts: 5000,
		Features:    []string{"contacts", "export", "priority_support"},
	},
	types.PlanPremium: {
		MaxContacts: 30000,
		Features:    []string{"contacts", "export", "priority_support", "sla"},
	},
	types.PlanEnterprise: {
		MaxContacts: 0, // Unlimited; enforcement treats 0 as no limit
		Features:    []string{"contacts", "export", "priority_support", "sla", "dedicated"},
	},
}

// basicLimits is cached for the unknown-tier fallback path.
var basicLimits = limitDefaults[types.PlanBasic]

// NewStaticCatalog returns a Catalog backed by the hardcoded plan table.
// No database or external service is required.
func NewStaticCatalog() Catalog {
	// Copy the defaults so callers cannot mutate the package-level maps.
	prices := make(map[types.PlanTier]decimal.Decimal, len(priceDefaults))
	for k, v := range priceDefaults {
		prices[k] = v
	}
	limits := make(map[types.PlanTier]types.PlanLimits, len(limitDefaults))
	for k, v := range limitDefaults {
		limits[k] = v
	}
	return &staticCatalog{prices: prices, limits: limits}
}

// PriceOf returns the monthly price for the tier. The second return is false
// for tiers that cannot be purchased: unknown strings and the trial tier.
func (c *staticCatalog) PriceOf(tier types.PlanTier) (decimal.Decimal, bool) {
	price, ok := c.prices[tier]
	if !ok || tier == types.PlanTrial {
		return decimal.Zero, false
	}
	return price, true
}

// LimitsOf returns the resource limits for the tier, falling back to basic
// limits for unknown tiers.
func (c *staticCatalog) LimitsOf(tier types.PlanTier) types.PlanLimits {
	if limits, ok := c.limits[tier]; ok {
		return limits
	}
	return basicLimits
}
