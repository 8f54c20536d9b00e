package pricing

import (
	"fmt"
	"math"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ReferenceCupPriceIDR is the café coffee price used for the value comparison
const ReferenceCupPriceIDR = 35000

var idrPrinter = message.NewPrinter(language.Indonesian)

// DurationLabel names a plan length the way the pricing cards show it
func DurationLabel(months int) string {
	if months == 12 {
		return "1 Tahun"
	}
	return fmt.Sprintf("%d Bulan", months)
}

// ValueFor compares a monthly rate with the reference cup price.
// The ratio is kept to one decimal internally; only the qualitative label leaves.
func ValueFor(monthlyRate int64) domain.ValueLabel {
	cups := math.Floor(float64(monthlyRate)/ReferenceCupPriceIDR*10+0.5) / 10

	switch {
	case cups <= 1.5:
		return domain.ValueLabel{Kind: domain.ValueOneToTwoCups, Cups: 1}
	case cups <= 2:
		return domain.ValueLabel{Kind: domain.ValueTwoCups, Cups: 2}
	default:
		return domain.ValueLabel{Kind: domain.ValueCupsPerMonth, Cups: int(math.Ceil(cups))}
	}
}

// FormatIDR renders an amount with Indonesian digit grouping, e.g. "Rp 100.000"
func FormatIDR(amount int64) string {
	return idrPrinter.Sprintf("Rp %d", amount)
}

// SelectionFor builds the selection captured when a user picks plan
func SelectionFor(plan domain.DerivedPlan) *domain.Selection {
	return &domain.Selection{
		PlanID:       plan.ID,
		DisplayLabel: fmt.Sprintf("%s — %s", plan.DurationLabel, FormatIDR(plan.PriceIDR)),
		PriceIDR:     plan.PriceIDR,
	}
}
