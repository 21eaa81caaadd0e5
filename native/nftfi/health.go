package nftfi

import (
	"math/big"
	"strings"
	"time"
)

// RiskBand is the cosmetic classification shown alongside a position. The
// cutoffs below are display policy only; liquidation eligibility is governed
// exclusively by RiskParameters.LiquidationThresholdBps.
type RiskBand uint8

const (
	// BandHealthy covers health factors of 1.5 and above.
	BandHealthy RiskBand = iota + 1
	// BandWarning covers health factors in [1.2, 1.5).
	BandWarning
	// BandDanger covers health factors below 1.2.
	BandDanger
)

var (
	healthyFloor  = big.NewRat(3, 2)
	dangerCeiling = big.NewRat(6, 5)
)

// String renders the band label used in summaries and events.
func (b RiskBand) String() string {
	switch b {
	case BandHealthy:
		return "healthy"
	case BandWarning:
		return "warning"
	case BandDanger:
		return "danger"
	default:
		return "unknown"
	}
}

// Assessment is the point-in-time risk view derived from a loan and a
// collateral valuation. HealthFactor is nil when the debt is zero, which is
// treated as an infinitely healthy position.
type Assessment struct {
	TotalOwed    *big.Int
	HealthFactor *big.Rat
	Band         RiskBand
}

// Infinite reports whether the position carries no debt.
func (a Assessment) Infinite() bool { return a.HealthFactor == nil }

// LiquidationEligible reports whether the health factor has fallen below the
// policy threshold for the collateral class.
func (a Assessment) LiquidationEligible(params RiskParameters) bool {
	if a.HealthFactor == nil {
		return false
	}
	threshold := bpsRat(params.LiquidationThresholdBps)
	return a.HealthFactor.Cmp(threshold) < 0
}

// HealthFactorDecimal renders the health factor as a trimmed decimal string,
// empty for debt-free positions.
func (a Assessment) HealthFactorDecimal() string {
	if a.HealthFactor == nil {
		return ""
	}
	decimal := a.HealthFactor.FloatString(18)
	decimal = strings.TrimRight(strings.TrimRight(decimal, "0"), ".")
	if decimal == "" {
		return "0"
	}
	return decimal
}

// HealthEngine derives health factors and risk bands. Identical inputs always
// yield identical output.
type HealthEngine struct {
	accrual *AccrualModel
}

// NewHealthEngine constructs an engine around the supplied accrual model.
func NewHealthEngine(accrual *AccrualModel) *HealthEngine {
	if accrual == nil {
		accrual = DefaultAccrualModel
	}
	return &HealthEngine{accrual: accrual}
}

// Evaluate recomputes the total owed and the health factor
// collateralValue / totalOwed for the loan at the given instant.
func (h *HealthEngine) Evaluate(loan *Loan, collateralValue *big.Int, now time.Time) Assessment {
	owed := h.accrual.TotalOwed(loan, now)
	if owed.Sign() <= 0 {
		return Assessment{TotalOwed: big.NewInt(0), Band: BandHealthy}
	}
	value := big.NewInt(0)
	if collateralValue != nil && collateralValue.Sign() > 0 {
		value = collateralValue
	}
	factor := new(big.Rat).SetFrac(value, owed)
	return Assessment{TotalOwed: owed, HealthFactor: factor, Band: bandFor(factor)}
}

func bandFor(factor *big.Rat) RiskBand {
	switch {
	case factor.Cmp(healthyFloor) >= 0:
		return BandHealthy
	case factor.Cmp(dangerCeiling) >= 0:
		return BandWarning
	default:
		return BandDanger
	}
}
