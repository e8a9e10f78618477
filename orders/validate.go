// Copyright (c) 2023 BVK Chaitanya

package orders

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxPriceDeviation is the allowed relative difference between a limit price
// (or a client-reported market price) and the server's market price.
var MaxPriceDeviation = decimal.RequireFromString("0.10")

// priceRange holds the plausible KRW price band for one market.
type priceRange struct {
	min decimal.Decimal
	max decimal.Decimal
}

func newPriceRange(min, max int64) priceRange {
	return priceRange{min: decimal.NewFromInt(min), max: decimal.NewFromInt(max)}
}

// priceRanges are coarse sanity bands, not market data. A price is rejected
// only below half the minimum or above double the maximum.
var priceRanges = map[string]priceRange{
	"KRW-BTC":   newPriceRange(50_000_000, 200_000_000),
	"KRW-ETH":   newPriceRange(2_000_000, 10_000_000),
	"KRW-XRP":   newPriceRange(300, 5_000),
	"KRW-SOL":   newPriceRange(50_000, 500_000),
	"KRW-DOGE":  newPriceRange(100, 2_000),
	"KRW-ADA":   newPriceRange(200, 3_000),
	"KRW-AVAX":  newPriceRange(10_000, 200_000),
	"KRW-DOT":   newPriceRange(3_000, 50_000),
	"KRW-LINK":  newPriceRange(5_000, 100_000),
	"KRW-MATIC": newPriceRange(200, 5_000),
}

var (
	half   = decimal.RequireFromString("0.5")
	double = decimal.NewFromInt(2)
)

// ValidPrice reports whether price is within the sanity band for code.
// Unknown codes always pass.
func ValidPrice(code string, price decimal.Decimal) bool {
	r, ok := priceRanges[code]
	if !ok {
		return true
	}
	if price.LessThan(r.min.Mul(half)) {
		return false
	}
	if price.GreaterThan(r.max.Mul(double)) {
		return false
	}
	return true
}

func checkPrice(code string, price decimal.Decimal) error {
	if !ValidPrice(code, price) {
		return fmt.Errorf("price %s is implausible for %s: %w", price, code, ErrPriceOutOfBand)
	}
	return nil
}

// checkDeviation rejects prices more than MaxPriceDeviation away from the
// market price.
func checkDeviation(price, current decimal.Decimal) error {
	if current.Sign() <= 0 {
		return nil
	}
	deviation := price.Sub(current).Abs().Div(current)
	if deviation.GreaterThan(MaxPriceDeviation) {
		return fmt.Errorf("price %s deviates %s from market price %s: %w",
			price, deviation, current, ErrPriceOutOfBand)
	}
	return nil
}
