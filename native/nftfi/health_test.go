package nftfi

import (
	"math/big"
	"testing"
	"time"
)

func activeLoan(principal *big.Int, origin time.Time) *Loan {
	return &Loan{
		ID:               "loan-1",
		Principal:        principal,
		CumulativeRepaid: big.NewInt(0),
		OriginatedAt:     origin,
		Status:           LoanStatusActive,
	}
}

func TestEvaluateHealthyBand(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	engine := NewHealthEngine(nil)

	// Collateral 28.7 against 18.0 owed: health factor 287/180 = 1.594...
	loan := activeLoan(wei(18, 0, 0), origin)
	assessment := engine.Evaluate(loan, wei(28, 7, 1), origin)

	if assessment.TotalOwed.Cmp(wei(18, 0, 0)) != 0 {
		t.Fatalf("unexpected owed: %s", assessment.TotalOwed)
	}
	expected := big.NewRat(287, 180)
	if assessment.HealthFactor.Cmp(expected) != 0 {
		t.Fatalf("unexpected health factor: got %s want %s", assessment.HealthFactor, expected)
	}
	if assessment.Band != BandHealthy {
		t.Fatalf("expected healthy band, got %s", assessment.Band)
	}
}

func TestEvaluateBandCutoffs(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	engine := NewHealthEngine(nil)
	loan := activeLoan(wei(10, 0, 0), origin)

	cases := []struct {
		name  string
		value *big.Int
		band  RiskBand
	}{
		{"at healthy floor", wei(15, 0, 0), BandHealthy},
		{"just below healthy floor", new(big.Int).Sub(wei(15, 0, 0), big.NewInt(1)), BandWarning},
		{"at danger ceiling", wei(12, 0, 0), BandWarning},
		{"just below danger ceiling", new(big.Int).Sub(wei(12, 0, 0), big.NewInt(1)), BandDanger},
		{"under-collateralized", wei(9, 0, 0), BandDanger},
	}
	for _, tc := range cases {
		assessment := engine.Evaluate(loan, tc.value, origin)
		if assessment.Band != tc.band {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.band, assessment.Band)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	now := origin.Add(48 * time.Hour)
	engine := NewHealthEngine(nil)
	loan := activeLoan(wei(18, 0, 0), origin)
	loan.RateBps = 850

	first := engine.Evaluate(loan, wei(28, 7, 1), now)
	second := engine.Evaluate(loan, wei(28, 7, 1), now)
	if first.TotalOwed.Cmp(second.TotalOwed) != 0 {
		t.Fatalf("owed differs: %s vs %s", first.TotalOwed, second.TotalOwed)
	}
	if first.HealthFactor.Cmp(second.HealthFactor) != 0 {
		t.Fatalf("health factor differs: %s vs %s", first.HealthFactor, second.HealthFactor)
	}
	if first.Band != second.Band {
		t.Fatalf("band differs: %s vs %s", first.Band, second.Band)
	}
}

func TestHealthFactorMonotonicity(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	engine := NewHealthEngine(nil)
	loan := activeLoan(wei(18, 0, 0), origin)

	// Fixed debt: the health factor strictly decreases with collateral value.
	high := engine.Evaluate(loan, wei(30, 0, 0), origin)
	low := engine.Evaluate(loan, wei(20, 0, 0), origin)
	if high.HealthFactor.Cmp(low.HealthFactor) <= 0 {
		t.Fatalf("expected health factor to fall with collateral value: %s vs %s",
			high.HealthFactor, low.HealthFactor)
	}

	// Fixed collateral: a partial repayment strictly increases it.
	repaid := loan.Clone()
	repaid.CumulativeRepaid = wei(5, 0, 0)
	before := engine.Evaluate(loan, wei(28, 7, 1), origin)
	after := engine.Evaluate(repaid, wei(28, 7, 1), origin)
	if after.HealthFactor.Cmp(before.HealthFactor) <= 0 {
		t.Fatalf("expected repayment to raise health factor: %s vs %s",
			before.HealthFactor, after.HealthFactor)
	}
	if after.HealthFactor.Cmp(big.NewRat(287, 130)) != 0 {
		t.Fatalf("unexpected post-repayment health factor: %s", after.HealthFactor)
	}
	if after.TotalOwed.Cmp(wei(13, 0, 0)) != 0 {
		t.Fatalf("unexpected post-repayment owed: %s", after.TotalOwed)
	}
}

func TestEvaluateZeroDebtInfinite(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	engine := NewHealthEngine(nil)
	loan := activeLoan(wei(10, 0, 0), origin)
	loan.CumulativeRepaid = wei(10, 0, 0)

	assessment := engine.Evaluate(loan, wei(5, 0, 0), origin)
	if !assessment.Infinite() {
		t.Fatalf("expected infinite health for zero debt")
	}
	if assessment.Band != BandHealthy {
		t.Fatalf("expected healthy band for zero debt, got %s", assessment.Band)
	}
	if assessment.HealthFactorDecimal() != "" {
		t.Fatalf("expected empty decimal for infinite health")
	}
	if assessment.LiquidationEligible(RiskParameters{LiquidationThresholdBps: 12_000}) {
		t.Fatalf("debt-free position must never be liquidation eligible")
	}
}

func TestLiquidationThresholdIndependentOfBand(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	engine := NewHealthEngine(nil)
	loan := activeLoan(wei(10, 0, 0), origin)

	// Health factor 1.25 sits in the warning band yet is already eligible
	// under a 1.3 policy threshold, and not under a 1.2 one.
	assessment := engine.Evaluate(loan, wei(12, 5, 1), origin)
	if assessment.Band != BandWarning {
		t.Fatalf("expected warning band, got %s", assessment.Band)
	}
	if !assessment.LiquidationEligible(RiskParameters{LiquidationThresholdBps: 13_000}) {
		t.Fatalf("expected eligibility below a 1.3 threshold")
	}
	if assessment.LiquidationEligible(RiskParameters{LiquidationThresholdBps: 12_000}) {
		t.Fatalf("expected no eligibility above a 1.2 threshold")
	}
}

func TestHealthFactorDecimalTrimsZeroes(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	engine := NewHealthEngine(nil)
	loan := activeLoan(wei(10, 0, 0), origin)

	assessment := engine.Evaluate(loan, wei(15, 0, 0), origin)
	if got := assessment.HealthFactorDecimal(); got != "1.5" {
		t.Fatalf("unexpected decimal rendering: %q", got)
	}
}
