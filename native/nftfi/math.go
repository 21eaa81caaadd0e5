package nftfi

import "math/big"

var basisPoints = big.NewInt(10_000)

const secondsPerYear = 31_536_000

// mulBps scales an amount by a basis point factor, truncating toward zero so
// borrow limits never round in the borrower's favour.
func mulBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return scaled.Quo(scaled, basisPoints)
}

// bpsRat converts a basis point value into an exact rational factor.
func bpsRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), basisPoints)
}

// ratWei rounds a rational wei amount half-up to an integer. Adding
// floor(den/2) before the division rounds a remainder of exactly half a wei
// up and leaves integral values untouched.
func ratWei(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	num.Add(num, new(big.Int).Rsh(den, 1))
	return num.Quo(num, den)
}

// clampZero returns the amount or zero when it is negative.
func clampZero(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() < 0 {
		return big.NewInt(0)
	}
	return amount
}
