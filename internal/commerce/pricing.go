package commerce

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var durationDiscounts = map[int]decimal.Decimal{
	1:  decimal.Zero,
	3:  decimal.RequireFromString("0.10"),
	6:  decimal.RequireFromString("0.15"),
	12: decimal.RequireFromString("0.20"),
}

func DurationDiscount(months int) (decimal.Decimal, bool) {
	d, ok := durationDiscounts[months]
	return d, ok
}

// SubscriptionPrice is price × months × (1 − discount), rounded to cents.
func SubscriptionPrice(monthly decimal.Decimal, months int) (decimal.Decimal, error) {
	discount, ok := durationDiscounts[months]
	if !ok {
		return decimal.Zero, fmt.Errorf("unsupported subscription duration %d", months)
	}
	if !monthly.IsPositive() {
		return decimal.Zero, fmt.Errorf("tier price must be positive")
	}
	gross := monthly.Mul(decimal.NewFromInt(int64(months)))
	return gross.Mul(decimal.NewFromInt(1).Sub(discount)).Round(2), nil
}
