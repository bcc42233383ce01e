// Package plans holds the one table mapping plans to product ceilings and
// billing amounts. Every other component asks the Catalog; no limit literals
// live anywhere else.
package plans

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/models"
)

// Tier is one row of the catalog.
type Tier struct {
	Plan   models.Plan
	Limit  int
	Amount decimal.Decimal // zero for the trial tier
	Label  string
}

// Paid reports whether the tier is bought with a recurring charge.
func (t Tier) Paid() bool {
	return t.Amount.IsPositive()
}

type Catalog struct {
	tiers map[models.Plan]Tier
	order []models.Plan
}

// New validates and indexes the given tiers. A trial tier is required.
func New(tiers ...Tier) (*Catalog, error) {
	c := &Catalog{tiers: make(map[models.Plan]Tier, len(tiers))}
	for _, t := range tiers {
		if !t.Plan.Valid() {
			return nil, fmt.Errorf("unknown plan %q", t.Plan)
		}
		if _, dup := c.tiers[t.Plan]; dup {
			return nil, fmt.Errorf("plan %q defined twice", t.Plan)
		}
		if t.Limit <= 0 {
			return nil, fmt.Errorf("plan %q: limit must be positive", t.Plan)
		}
		if t.Plan == models.PlanTrial {
			if !t.Amount.IsZero() {
				return nil, fmt.Errorf("trial plan cannot have an amount")
			}
		} else {
			if !t.Paid() {
				return nil, fmt.Errorf("plan %q: amount must be positive", t.Plan)
			}
			for _, other := range c.tiers {
				if other.Paid() && other.Amount.Equal(t.Amount) {
					return nil, fmt.Errorf("plans %q and %q share amount %s", other.Plan, t.Plan, t.Amount)
				}
			}
		}
		c.tiers[t.Plan] = t
		c.order = append(c.order, t.Plan)
	}
	if _, ok := c.tiers[models.PlanTrial]; !ok {
		return nil, fmt.Errorf("trial plan is required")
	}
	return c, nil
}

// FromConfig builds the catalog from the plans configuration section.
func FromConfig(cfg config.PlansConfig) (*Catalog, error) {
	tiers := []Tier{{Plan: models.PlanTrial, Limit: cfg.TrialLimit, Label: "Trial"}}
	paid := []struct {
		plan models.Plan
		cfg  config.PlanConfig
	}{
		{models.PlanBasic, cfg.Basic},
		{models.PlanStandard, cfg.Standard},
		{models.PlanPremium, cfg.Premium},
	}
	for _, p := range paid {
		amount, err := decimal.NewFromString(p.cfg.Amount)
		if err != nil {
			return nil, fmt.Errorf("plan %q: invalid amount %q: %w", p.plan, p.cfg.Amount, err)
		}
		tiers = append(tiers, Tier{Plan: p.plan, Limit: p.cfg.Limit, Amount: amount, Label: p.cfg.Label})
	}
	return New(tiers...)
}

// Limit returns the product ceiling for a plan. Unknown plans get the trial ceiling.
func (c *Catalog) Limit(plan models.Plan) int {
	if t, ok := c.tiers[plan]; ok {
		return t.Limit
	}
	return c.tiers[models.PlanTrial].Limit
}

// Tier returns the catalog row for a plan.
func (c *Catalog) Tier(plan models.Plan) (Tier, bool) {
	t, ok := c.tiers[plan]
	return t, ok
}

// PlanForAmount maps a charged amount to the plan it buys. Amounts are compared
// exactly; anything else is unrecognized.
func (c *Catalog) PlanForAmount(amount decimal.Decimal) (models.Plan, bool) {
	for _, plan := range c.order {
		t := c.tiers[plan]
		if t.Paid() && t.Amount.Equal(amount) {
			return plan, true
		}
	}
	return "", false
}

// PaidTiers lists the purchasable tiers in catalog order.
func (c *Catalog) PaidTiers() []Tier {
	var out []Tier
	for _, plan := range c.order {
		if t := c.tiers[plan]; t.Paid() {
			out = append(out, t)
		}
	}
	return out
}
