package market

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatPrice renders a USD price with the given number of decimals
func FormatPrice(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

// FormatPercent renders a change with two decimals and an explicit sign
func FormatPercent(v float64) string {
	d := decimal.NewFromFloat(v).Round(2)
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

// FormatVolume renders a whole-dollar amount with thousands separators
func FormatVolume(v float64) string {
	s := decimal.NewFromFloat(v).Round(0).StringFixed(0)

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
