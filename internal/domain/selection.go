package domain

// Selection is the plan a user picked for one purchase attempt
type Selection struct {
	PlanID       string `json:"plan_id"`
	DisplayLabel string `json:"display_label"`
	PriceIDR     int64  `json:"price_idr"`
}

// SameAs reports whether both selections point at the same plan and price
func (s *Selection) SameAs(other *Selection) bool {
	if s == nil || other == nil {
		return false
	}
	return s.PlanID == other.PlanID && s.PriceIDR == other.PriceIDR
}
