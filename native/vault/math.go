package vault

import (
	"math/big"
)

var (
	basisPoints = big.NewInt(10_000)
	// one is 1.0 in the 18-decimal fixed point used for USD values and prices.
	one = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// scaleBy converts amount between decimal precisions, truncating when the
// target precision is lower.
func scaleBy(amount *big.Int, to, from int) *big.Int {
	switch {
	case to > from:
		return new(big.Int).Mul(amount, pow10(to-from))
	case to < from:
		return new(big.Int).Quo(amount, pow10(from-to))
	default:
		return new(big.Int).Set(amount)
	}
}

func toUnits18(amount *big.Int, decimals uint8) *big.Int {
	return scaleBy(amount, 18, int(decimals))
}

func fromUnits18(amount *big.Int, decimals uint8) *big.Int {
	return scaleBy(amount, int(decimals), 18)
}

// mulDiv returns floor(a*b/c).
func mulDiv(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints)
}

// ratToFixed converts a rational price to 18-decimal fixed point, truncating.
func ratToFixed(r *big.Rat) *big.Int {
	num := new(big.Int).Mul(r.Num(), one)
	return num.Quo(num, r.Denom())
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func maxInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func absDiff(a, b *big.Int) *big.Int {
	return new(big.Int).Abs(new(big.Int).Sub(a, b))
}
