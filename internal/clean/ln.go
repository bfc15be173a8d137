package clean

import (
	"math"
	"math/big"
	"sync"
)

// lnPrec is the working precision of Ln. It leaves well over 190 guard bits
// beyond float64, so the final rounding is correct for every finite input.
const lnPrec = 256

var ln2 = sync.OnceValue(func() *big.Float {
	third := new(big.Float).SetPrec(lnPrec).Quo(big.NewFloat(1), big.NewFloat(3))
	return atanh2(third)
})

// Ln returns the natural logarithm of v correctly rounded to the nearest
// float64. math.Log may be off by one ulp, which changes the digits written
// to the cleaned CSV. Non-positive, infinite and NaN inputs follow math.Log.
func Ln(v float64) float64 {
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return math.Log(v)
	}

	// v = frac * 2^exp with frac in [1/sqrt2, sqrt2).
	frac, exp := math.Frexp(v)
	if frac < math.Sqrt2/2 {
		frac *= 2
		exp--
	}

	one := new(big.Float).SetPrec(lnPrec).SetInt64(1)
	m := new(big.Float).SetPrec(lnPrec).SetFloat64(frac)
	num := new(big.Float).SetPrec(lnPrec).Sub(m, one)
	den := new(big.Float).SetPrec(lnPrec).Add(m, one)
	r := atanh2(num.Quo(num, den))

	k := new(big.Float).SetPrec(lnPrec).SetInt64(int64(exp))
	r.Add(r, k.Mul(k, ln2()))

	f, _ := r.Float64()
	return f
}

// atanh2 returns 2·atanh(z) = ln((1+z)/(1-z)) for |z| < 1/2.
func atanh2(z *big.Float) *big.Float {
	sum := new(big.Float).SetPrec(lnPrec).Set(z)
	z2 := new(big.Float).SetPrec(lnPrec).Mul(z, z)
	pow := new(big.Float).SetPrec(lnPrec).Set(z)
	term := new(big.Float).SetPrec(lnPrec)
	div := new(big.Float).SetPrec(lnPrec)

	for n := int64(3); sum.Sign() != 0; n += 2 {
		pow.Mul(pow, z2)
		term.Quo(pow, div.SetInt64(n))
		if term.Sign() == 0 || term.MantExp(nil) < sum.MantExp(nil)-lnPrec {
			break
		}
		sum.Add(sum, term)
	}
	return sum.Mul(sum, big.NewFloat(2))
}
