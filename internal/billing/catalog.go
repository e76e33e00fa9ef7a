package billing

import (
	"fmt"

	"github.com/framepulse-ai/framepulse/internal/ledger"
)

// CreditPack is a one-time purchasable bundle of credits.
type CreditPack struct {
	PackID     string
	Name       string
	Credits    ledger.Credits
	PriceCents int64
}

// planCredits holds the per-period grant for one plan and cycle.
type planCredits struct {
	monthly ledger.Credits
	yearly  ledger.Credits
	trial   ledger.Credits
}

// Catalog resolves credit packs and subscription plan grants. Checkout
// sessions reference packs and plans by id through session metadata.
type Catalog struct {
	packs map[string]CreditPack
	plans map[ledger.Plan]planCredits
}

// DefaultCatalog returns the production pack and plan table.
func DefaultCatalog() Catalog {
	return Catalog{
		packs: map[string]CreditPack{
			"starter":  {PackID: "starter", Name: "Starter", Credits: 5000, PriceCents: 990},
			"standard": {PackID: "standard", Name: "Standard", Credits: 12000, PriceCents: 1990},
			"studio":   {PackID: "studio", Name: "Studio", Credits: 30000, PriceCents: 3990},
		},
		plans: map[ledger.Plan]planCredits{
			ledger.PlanPro:     {monthly: 10000, yearly: 132000, trial: 1500},
			ledger.PlanPremium: {monthly: 25000, yearly: 330000, trial: 1500},
			ledger.PlanCreator: {monthly: 60000, yearly: 792000, trial: 1500},
		},
	}
}

// PackByID resolves a credit pack.
func (catalog Catalog) PackByID(packID string) (CreditPack, error) {
	pack, ok := catalog.packs[packID]
	if !ok {
		return CreditPack{}, fmt.Errorf("%w: %q", ErrUnknownCreditPack, packID)
	}
	return pack, nil
}

// PeriodCredits returns the full grant for one billing period of a plan.
func (catalog Catalog) PeriodCredits(plan ledger.Plan, period BillingPeriod) (ledger.Credits, error) {
	credits, ok := catalog.plans[plan]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNoCreditsConfiguredForPlan, plan)
	}
	if period == PeriodYearly {
		return credits.yearly, nil
	}
	return credits.monthly, nil
}

// ActivationCredits returns the grant for the first period. Trial checkouts
// receive the reduced trial amount instead of the full period grant.
func (catalog Catalog) ActivationCredits(plan ledger.Plan, period BillingPeriod, trial bool) (ledger.Credits, error) {
	if trial {
		credits, ok := catalog.plans[plan]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrNoCreditsConfiguredForPlan, plan)
		}
		return credits.trial, nil
	}
	return catalog.PeriodCredits(plan, period)
}
