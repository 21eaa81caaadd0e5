package nftfi

import (
	"math/big"
	"time"
)

// AccrualModel computes simple non-compounding interest over elapsed wall
// time. Accrued interest is fully re-derivable from the stored loan fields at
// any instant, so no background job ever pushes balances forward.
type AccrualModel struct {
	// SecondsPerYear fixes the annualisation denominator.
	SecondsPerYear uint64
}

// DefaultAccrualModel uses a 365 day year.
var DefaultAccrualModel = &AccrualModel{SecondsPerYear: secondsPerYear}

func (m *AccrualModel) yearSeconds() uint64 {
	if m == nil || m.SecondsPerYear == 0 {
		return secondsPerYear
	}
	return m.SecondsPerYear
}

// Outstanding returns the unpaid principal, floored at zero.
func (m *AccrualModel) Outstanding(principal, cumulativeRepaid *big.Int) *big.Int {
	if principal == nil {
		return big.NewInt(0)
	}
	outstanding := new(big.Int).Set(principal)
	if cumulativeRepaid != nil {
		outstanding.Sub(outstanding, cumulativeRepaid)
	}
	return clampZero(outstanding)
}

// Accrued computes the interest owed on the outstanding principal between
// origination and now: outstanding * apr * elapsedSeconds / secondsPerYear.
// The computation is exact rational arithmetic rounded half-up at the wei
// boundary.
func (m *AccrualModel) Accrued(principal, cumulativeRepaid *big.Int, rateBps uint64, originatedAt, now time.Time) *big.Int {
	outstanding := m.Outstanding(principal, cumulativeRepaid)
	if outstanding.Sign() == 0 || rateBps == 0 {
		return big.NewInt(0)
	}
	elapsed := now.Unix() - originatedAt.Unix()
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Rat).SetInt(outstanding)
	interest.Mul(interest, bpsRat(rateBps))
	interest.Mul(interest, new(big.Rat).SetFrac(
		big.NewInt(elapsed),
		new(big.Int).SetUint64(m.yearSeconds()),
	))
	return ratWei(interest)
}

// TotalOwed derives the full current debt for a loan: principal minus applied
// repayments plus accrued interest, floored at zero. Terminal loans owe
// nothing.
func (m *AccrualModel) TotalOwed(loan *Loan, now time.Time) *big.Int {
	if loan == nil || loan.Status.Terminal() {
		return big.NewInt(0)
	}
	owed := new(big.Int)
	if loan.Principal != nil {
		owed.Set(loan.Principal)
	}
	if loan.CumulativeRepaid != nil {
		owed.Sub(owed, loan.CumulativeRepaid)
	}
	owed.Add(owed, m.Accrued(loan.Principal, loan.CumulativeRepaid, loan.RateBps, loan.OriginatedAt, now))
	return clampZero(owed)
}
