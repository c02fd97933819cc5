package pricing

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RoundUnit is the yen step surcharged amounts are rounded up to.
const RoundUnit = 100

// Totals holds the grand total for each extension tier.
type Totals [Tiers]int

// CalcTotals adds every counted person at each tier's price to the current
// charge.
func CalcTotals(settings Settings, st State) Totals {
	var out Totals
	for i := range out {
		t := settings.Tier(i + 1)
		out[i] = st.CurrentCharge +
			st.CustomerCount*t.Price +
			st.FemaleCustomerCount*t.FemalePrice +
			st.MainNominationCount*t.MainNominationPrice +
			st.InhouseNominationCount*t.InhouseNominationPrice
	}
	return out
}

// ApplyCardFee adds percent to amount and rounds up to RoundUnit. The raw
// product is rounded to a whole yen first so float noise such as
// 13200.0000001 does not push the result up a step.
func ApplyCardFee(amount int, percent float64) int {
	p := clampFloat(percent, 0, 100)
	if p <= 0 {
		return amount
	}
	raw := math.Round(float64(amount) * (1 + p/100))
	return int(math.Ceil(raw/RoundUnit) * RoundUnit)
}

var yenPrinter = message.NewPrinter(language.Japanese)

// FormatYen renders value with the yen sign and Japanese digit grouping.
func FormatYen(value int) string {
	return yenPrinter.Sprintf("¥%d", value)
}
