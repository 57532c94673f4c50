package lending

import "math/big"

var (
	wad         = mustBigInt("1000000000000000000") // 1e18 fixed-point scale
	basisPoints = big.NewInt(10_000)
	bigOne      = big.NewInt(1)
)

const secondsPerYear = 365 * 86_400

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func wadMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, wad)
}

func wadDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(a, wad)
	return scaled.Quo(scaled, b)
}

// mulDivDown computes a*b/d rounding toward zero. Used wherever rounding in
// the protocol's favour means crediting the caller less.
func mulDivDown(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, d)
}

// mulDivUp computes a*b/d rounding away from zero. Used wherever rounding in
// the protocol's favour means charging the caller more.
func mulDivUp(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quotient, remainder := new(big.Int).QuoRem(product, d, new(big.Int))
	if remainder.Sign() != 0 {
		quotient.Add(quotient, bigOne)
	}
	return quotient
}

func bpsMul(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, basisPoints)
}

func clampBig(v, lo, hi *big.Int) *big.Int {
	if v == nil {
		return cloneBig(lo)
	}
	if lo != nil && v.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if hi != nil && v.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return v
}

func bigIntZero() *big.Int { return big.NewInt(0) }

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// cloneBigNil copies v but keeps nil as nil. Optional parameters use nil
// to mean "unset", and that must survive a Clone.
func cloneBigNil(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func minBig(a, b *big.Int) *big.Int {
	if a == nil {
		return cloneBig(b)
	}
	if b == nil || a.Cmp(b) <= 0 {
		return cloneBig(a)
	}
	return cloneBig(b)
}
