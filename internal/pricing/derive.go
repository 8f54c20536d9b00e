// Package pricing turns the raw storefront catalog into the ranked, annotated
// list shown on the pricing page. Everything here is pure and deterministic.
package pricing

import (
	"math"
	"sort"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
)

// DaysPerMonth is the unit used to approximate plan durations as months
const DaysPerMonth = 30

// Result is the outcome of Derive. A Result with no plans is the empty-result
// marker: callers render a "no plans" state instead of treating it as an error.
type Result struct {
	Plans []domain.DerivedPlan
}

// Empty reports whether no plan matched the target segment
func (r Result) Empty() bool {
	return len(r.Plans) == 0
}

// BestValue returns the plan flagged as best value, if any
func (r Result) BestValue() (domain.DerivedPlan, bool) {
	for _, p := range r.Plans {
		if p.IsBestValue {
			return p, true
		}
	}
	return domain.DerivedPlan{}, false
}

// Find returns the derived plan with the given id
func (r Result) Find(id string) (domain.DerivedPlan, bool) {
	for _, p := range r.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return domain.DerivedPlan{}, false
}

// Derive filters plans to segment, sorts them by price and computes the
// comparison fields. The input slice is never modified.
func Derive(plans []domain.Plan, segment string) Result {
	filtered := make([]domain.Plan, 0, len(plans))
	for _, p := range plans {
		if p.Segment == segment {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return Result{}
	}

	// Equal prices keep fetch order
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].PriceIDR < filtered[j].PriceIDR
	})

	baseline := filtered[0].PriceIDR
	derived := make([]domain.DerivedPlan, len(filtered))
	best := 0

	for i, p := range filtered {
		months := Months(p.DurationDays)
		anchor := baseline * int64(months)
		monthly := roundHalfUp(float64(p.PriceIDR) / float64(months))

		derived[i] = domain.DerivedPlan{
			Plan:            p,
			Months:          months,
			MonthlyRate:     monthly,
			AnchorPrice:     anchor,
			DiscountPercent: Discount(p.PriceIDR, anchor, months),
			DurationLabel:   DurationLabel(months),
			Value:           ValueFor(monthly),
		}

		// Strictly lower wins, so the first of equal rates keeps the flag
		if monthly < derived[best].MonthlyRate {
			best = i
		}
	}
	derived[best].IsBestValue = true

	return Result{Plans: derived}
}

// Months approximates a duration in days as whole months, never below 1
func Months(durationDays int) int {
	m := int(roundHalfUp(float64(durationDays) / DaysPerMonth))
	if m < 1 {
		return 1
	}
	return m
}

// Discount is the saving against the anchor price in whole percent.
// Single-month plans are the baseline and never show a discount.
func Discount(price, anchor int64, months int) int {
	if months <= 1 || anchor <= 0 {
		return 0
	}
	return int(roundHalfUp((1 - float64(price)/float64(anchor)) * 100))
}

// roundHalfUp rounds to the nearest integer, halves away from negative infinity
func roundHalfUp(x float64) int64 {
	return int64(math.Floor(x + 0.5))
}
