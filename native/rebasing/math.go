package rebasing

import "math/big"

var (
	// scale is the token precision (18 decimals).
	scale = big.NewInt(1_000_000_000_000_000_000)
	// resolution is the initial credits-per-token; 1e9 above token precision.
	resolution  = mustBigInt("1000000000000000000000000000")
	basisPoints = big.NewInt(10_000)
	// invariantTolerance bounds the drift between the cached total supply and
	// the supply implied by credits.
	invariantTolerance = big.NewInt(16)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// Resolution returns the credits-per-token assigned to a fresh ledger.
func Resolution() *big.Int { return new(big.Int).Set(resolution) }

// Scale returns the fixed point unit used for balances (1e18).
func Scale() *big.Int { return new(big.Int).Set(scale) }

// mulTruncate converts a token amount into credits at rate cpt, rounding down.
func mulTruncate(amount, cpt *big.Int) *big.Int {
	if amount == nil || cpt == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, cpt)
	return out.Quo(out, scale)
}

// mulCeil converts a token amount into credits at rate cpt, rounding up so the
// resulting balance never reads below amount.
func mulCeil(amount, cpt *big.Int) *big.Int {
	if amount == nil || cpt == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, cpt)
	out.Add(out, new(big.Int).Sub(scale, big.NewInt(1)))
	return out.Quo(out, scale)
}

// divPrecisely converts credits into a token amount at rate cpt, rounding down.
func divPrecisely(credits, cpt *big.Int) *big.Int {
	if credits == nil || cpt == nil || cpt.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(credits, scale)
	return out.Quo(out, cpt)
}

func absDiff(a, b *big.Int) *big.Int {
	diff := new(big.Int).Sub(a, b)
	return diff.Abs(diff)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
