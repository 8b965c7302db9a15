package lifecycle

import "time"

// TrialDuration is the length of the one-time free trial.
const TrialDuration = 14 * 24 * time.Hour

// PlanInfo holds the fixed duration and display price for a plan.
// Prices are used for display and charge-amount validation only; the
// engine never charges anything itself.
type PlanInfo struct {
	Plan     Plan
	Duration time.Duration
	PriceUSD float64
}

var planCatalog = map[Plan]PlanInfo{
	Plan1Month:  {Plan: Plan1Month, Duration: 30 * 24 * time.Hour, PriceUSD: 29.99},
	Plan3Months: {Plan: Plan3Months, Duration: 90 * 24 * time.Hour, PriceUSD: 79.99},
	Plan6Months: {Plan: Plan6Months, Duration: 180 * 24 * time.Hour, PriceUSD: 149.99},
	Plan1Year:   {Plan: Plan1Year, Duration: 365 * 24 * time.Hour, PriceUSD: 249.99},
}

// Plans returns the full plan catalog.
func Plans() []PlanInfo {
	return []PlanInfo{
		planCatalog[Plan1Month],
		planCatalog[Plan3Months],
		planCatalog[Plan6Months],
		planCatalog[Plan1Year],
	}
}

// PlanDuration returns the duration of a plan, or ErrInvalidPlan for an
// unknown plan.
func PlanDuration(plan Plan) (time.Duration, error) {
	info, ok := planCatalog[plan]
	if !ok {
		return 0, ErrInvalidPlan
	}
	return info.Duration, nil
}

// PlanPrice returns the display price of a plan in USD.
func PlanPrice(plan Plan) (float64, error) {
	info, ok := planCatalog[plan]
	if !ok {
		return 0, ErrInvalidPlan
	}
	return info.PriceUSD, nil
}

// ValidPlan reports whether plan is part of the catalog.
func ValidPlan(plan Plan) bool {
	_, ok := planCatalog[plan]
	return ok
}
