package domain

import (
	"context"
)

// Plan represents a purchasable subscription tier as served by the storefront catalog
type Plan struct {
	ID           string `json:"id"`
	Segment      string `json:"segment"`       // Audience tag, e.g. "student"
	DurationDays int    `json:"duration_days"` // Access length in days
	PriceIDR     int64  `json:"price_idr"`     // Price in smallest currency unit (IDR)
}

// ValueKind classifies how a plan's monthly rate compares to the reference drink price
type ValueKind string

const (
	ValueOneToTwoCups ValueKind = "one_to_two_cups"
	ValueTwoCups      ValueKind = "two_cups"
	ValueCupsPerMonth ValueKind = "cups_per_month"
)

// ValueLabel is the qualitative "costs about N cups of coffee" comparison.
// Cups is the lower bound of the range for ValueOneToTwoCups.
type ValueLabel struct {
	Kind ValueKind `json:"kind"`
	Cups int       `json:"cups"`
}

// DerivedPlan is a Plan annotated for the pricing presentation.
// Derived once per fetch and never persisted beyond the session snapshot.
type DerivedPlan struct {
	Plan
	Months          int        `json:"months"`
	MonthlyRate     int64      `json:"monthly_rate"`
	AnchorPrice     int64      `json:"anchor_price"`
	DiscountPercent int        `json:"discount_percent"`
	IsBestValue     bool       `json:"is_best_value"`
	DurationLabel   string     `json:"duration_label"`
	Value           ValueLabel `json:"value"`
}

// PlanSource fetches the raw plan list from the storefront
type PlanSource interface {
	ListPlans(ctx context.Context) ([]Plan, error)
}
