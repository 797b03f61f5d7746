// Package amount converts between human readable decimal strings and integer
// base units.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegative  = errors.New("amount: negative value")
	ErrPrecision = errors.New("amount: more fractional digits than the token supports")
)

// Parse converts a decimal string such as "12.5" into base units of a token
// with the given decimals. An empty string parses as zero.
func Parse(value string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("amount: parse %q: %w", value, err)
	}
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrPrecision, trimmed, decimals)
	}
	return scaled.BigInt(), nil
}

// Format renders base units as a decimal string without trailing zeros.
func Format(units *big.Int, decimals uint8) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -int32(decimals)).String()
}

// FormatFixed renders base units with exactly places fractional digits,
// truncating any remainder.
func FormatFixed(units *big.Int, decimals uint8, places int32) string {
	if units == nil {
		units = new(big.Int)
	}
	return decimal.NewFromBigInt(units, -int32(decimals)).Truncate(places).StringFixed(places)
}
