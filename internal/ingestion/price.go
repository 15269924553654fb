package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of fractional digits kept for prices.
const PriceScale = 2

// MaxPrice is the largest value a NUMERIC(10,2) column accepts, in hundredths.
const MaxPrice Price = 99_999_999_99

var (
	errPriceSyntax   = errors.New("not a decimal number")
	errPriceNegative = errors.New("negative")

	// plainDecimal admits an optional sign, digits and one optional point.
	// Exponents, separators and NaN are refused.
	plainDecimal = regexp.MustCompile(`^([+-]?)([0-9]*)(?:\.([0-9]*))?$`)

	maxPrice = decimal.New(int64(MaxPrice), -PriceScale)
)

// Price is a non-negative amount stored as an integer count of hundredths.
type Price int64

// ParsePrice parses a plain decimal such as "12", "12.5" or "12.345".
// Any value below zero is rejected before rounding, so "-0.004" fails.
// Digits beyond PriceScale are rounded half-up.
func ParsePrice(s string) (Price, error) {
	m := plainDecimal.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || m[2]+m[3] == "" {
		return 0, errPriceSyntax
	}
	intPart, fracPart := m[2], m[3]
	if intPart == "" {
		intPart = "0"
	}
	if fracPart == "" {
		fracPart = "0"
	}
	canonical := intPart + "." + fracPart
	if m[1] == "-" {
		canonical = "-" + canonical
	}
	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return 0, errPriceSyntax
	}
	if d.Sign() < 0 {
		return 0, errPriceNegative
	}
	rounded := d.Round(PriceScale)
	if rounded.GreaterThan(maxPrice) {
		return 0, fmt.Errorf("%s exceeds %s", strings.TrimSpace(s), MaxPrice)
	}
	return Price(rounded.Shift(PriceScale).IntPart()), nil
}

// String renders the price with exactly PriceScale fractional digits.
func (p Price) String() string {
	return decimal.New(int64(p), -PriceScale).StringFixed(PriceScale)
}

// MarshalJSON emits the price as a JSON string so no precision is lost.
func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}
