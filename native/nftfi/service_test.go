package nftfi

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type stubValuations struct {
	values map[string]Valuation
	err    error
}

func (s *stubValuations) CurrentValue(_ context.Context, collection, tokenID string) (Valuation, error) {
	if s.err != nil {
		return Valuation{}, s.err
	}
	val, ok := s.values[collection+"/"+tokenID]
	if !ok {
		return Valuation{}, errors.New("no observation")
	}
	return val, nil
}

type stubSettlement struct {
	executed []SettlementInstruction
	err      error
}

func (s *stubSettlement) Execute(_ context.Context, instr SettlementInstruction) error {
	if s.err != nil {
		return s.err
	}
	s.executed = append(s.executed, instr)
	return nil
}

func newTestService(t *testing.T, clock *fixedClock, values *stubValuations, settlement *stubSettlement) *Service {
	t.Helper()
	ledger := NewLedger(newMemStore(), testRegistry(t))
	return NewService(ledger, values, settlement, WithClock(clock))
}

func TestQuoteMaxBorrow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{now: now}
	values := &stubValuations{values: map[string]Valuation{
		"punks/42": {Amount: wei(45, 2, 1), Timestamp: now},
	}}
	svc := newTestService(t, clock, values, &stubSettlement{})

	quote, err := svc.QuoteMaxBorrow(context.Background(), "punks", "42")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 45.2 at 50% max LTV.
	expected, _ := new(big.Int).SetString("22600000000000000000", 10)
	if quote.Cmp(expected) != 0 {
		t.Fatalf("unexpected quote: got %s want %s", quote, expected)
	}

	if _, err := svc.QuoteMaxBorrow(context.Background(), "unlisted", "42"); !errors.Is(err, ErrUnknownCollateralClass) {
		t.Fatalf("expected ErrUnknownCollateralClass, got %v", err)
	}
}

func TestOpenLoanRejectsStaleValuation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{now: now}
	values := &stubValuations{values: map[string]Valuation{
		"punks/42": {Amount: wei(45, 2, 1), Timestamp: now.Add(-6 * time.Minute)},
	}}
	settlement := &stubSettlement{}
	svc := newTestService(t, clock, values, settlement)

	_, err := svc.OpenLoan(context.Background(), OpenLoanRequest{
		Collection:  "punks",
		TokenID:     "42",
		Principal:   wei(10, 0, 0),
		BorrowToken: "WETH",
		BorrowerID:  "alice",
	})
	if !errors.Is(err, ErrStaleValuation) {
		t.Fatalf("expected ErrStaleValuation, got %v", err)
	}
	if len(settlement.executed) != 0 {
		t.Fatalf("stale valuation must reject before settlement")
	}
}

func TestOpenLoanSettlesBeforeLedgerWrite(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{now: now}
	values := &stubValuations{values: map[string]Valuation{
		"punks/42": {Amount: wei(45, 2, 1), Timestamp: now},
	}}
	settlement := &stubSettlement{err: errors.New("chain unavailable")}
	svc := newTestService(t, clock, values, settlement)

	req := OpenLoanRequest{
		Collection:  "punks",
		TokenID:     "42",
		Principal:   wei(22, 6, 1),
		BorrowToken: "WETH",
		BorrowerID:  "alice",
	}
	if _, err := svc.OpenLoan(context.Background(), req); !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}
	loans, err := svc.ListLoans(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("failed settlement must leave no loan state")
	}

	settlement.err = nil
	loan, err := svc.OpenLoan(context.Background(), req)
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}
	if loan.Status != LoanStatusActive {
		t.Fatalf("expected active loan, got %s", loan.Status)
	}
	if len(settlement.executed) != 1 || settlement.executed[0].Kind != SettleOriginate {
		t.Fatalf("expected a single originate instruction, got %+v", settlement.executed)
	}
	if settlement.executed[0].Amount.Cmp(req.Principal) != 0 {
		t.Fatalf("originate instruction must carry the principal")
	}
}

func TestRepayEmitsReleaseInstruction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{now: now}
	values := &stubValuations{values: map[string]Valuation{
		"punks/42": {Amount: wei(28, 7, 1), Timestamp: now},
	}}
	settlement := &stubSettlement{}
	svc := newTestService(t, clock, values, settlement)

	loan, err := svc.OpenLoan(context.Background(), OpenLoanRequest{
		Collection:  "punks",
		TokenID:     "42",
		Principal:   wei(14, 0, 0),
		BorrowToken: "WETH",
		BorrowerID:  "alice",
	})
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}

	partial, err := svc.Repay(context.Background(), RepayRequest{LoanID: loan.ID, Amount: wei(5, 0, 0)})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if partial.Release != nil {
		t.Fatalf("partial repayment must not release collateral")
	}

	final, err := svc.Repay(context.Background(), RepayRequest{LoanID: loan.ID, Amount: wei(10, 0, 0)})
	if err != nil {
		t.Fatalf("final repay: %v", err)
	}
	if final.Release == nil {
		t.Fatalf("final repayment must emit a release instruction")
	}
	if final.Release.Kind != SettleRelease {
		t.Fatalf("unexpected instruction kind: %s", final.Release.Kind)
	}
	if final.Result.Excess.Cmp(wei(1, 0, 0)) != 0 {
		t.Fatalf("expected one token excess, got %s", final.Result.Excess)
	}
	if final.Release.Amount.Cmp(final.Result.Excess) != 0 {
		t.Fatalf("release instruction must carry the refundable excess")
	}
	if final.Result.Loan.Status != LoanStatusCompleted {
		t.Fatalf("expected completed loan, got %s", final.Result.Loan.Status)
	}
}

func TestRepayReplaySkipsSettlement(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{now: now}
	values := &stubValuations{values: map[string]Valuation{
		"punks/42": {Amount: wei(28, 7, 1), Timestamp: now},
	}}
	settlement := &stubSettlement{}
	svc := newTestService(t, clock, values, settlement)

	loan, err := svc.OpenLoan(context.Background(), OpenLoanRequest{
		Collection:  "punks",
		TokenID:     "42",
		Principal:   wei(14, 0, 0),
		BorrowToken: "WETH",
		BorrowerID:  "alice",
	})
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}

	req := RepayRequest{LoanID: loan.ID, Amount: wei(5, 0, 0), RequestID: "req-9"}
	if _, err := svc.Repay(context.Background(), req); err != nil {
		t.Fatalf("repay: %v", err)
	}
	movements := len(settlement.executed)

	outcome, err := svc.Repay(context.Background(), req)
	if err != nil {
		t.Fatalf("replayed repay: %v", err)
	}
	if !outcome.Result.Replayed {
		t.Fatalf("expected replayed outcome")
	}
	if len(settlement.executed) != movements {
		t.Fatalf("replay must not move funds again")
	}
}

func TestLiquidateRequiresFreshValuationAndEligibility(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{now: now}
	values := &stubValuations{values: map[string]Valuation{
		"punks/42": {Amount: wei(28, 7, 1), Timestamp: now},
	}}
	settlement := &stubSettlement{}
	svc := newTestService(t, clock, values, settlement)

	loan, err := svc.OpenLoan(context.Background(), OpenLoanRequest{
		Collection:  "punks",
		TokenID:     "42",
		Principal:   wei(14, 0, 0),
		BorrowToken: "WETH",
		BorrowerID:  "alice",
	})
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}

	if _, err := svc.Liquidate(context.Background(), loan.ID, "liquidator"); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}

	// A collapsed but stale observation is rejected outright.
	values.values["punks/42"] = Valuation{Amount: wei(15, 0, 0), Timestamp: now.Add(-10 * time.Minute)}
	if _, err := svc.Liquidate(context.Background(), loan.ID, "liquidator"); !errors.Is(err, ErrStaleValuation) {
		t.Fatalf("expected ErrStaleValuation, got %v", err)
	}

	values.values["punks/42"] = Valuation{Amount: wei(15, 0, 0), Timestamp: now}
	outcome, err := svc.Liquidate(context.Background(), loan.ID, "liquidator")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if outcome.Seize == nil || outcome.Seize.Kind != SettleSeize {
		t.Fatalf("expected a seize instruction, got %+v", outcome.Seize)
	}
	if outcome.Seize.Counterparty != "liquidator" {
		t.Fatalf("seizure must target the liquidator, got %q", outcome.Seize.Counterparty)
	}
	if outcome.Result.Loan.Status != LoanStatusLiquidated {
		t.Fatalf("expected liquidated loan, got %s", outcome.Result.Loan.Status)
	}
}

func TestListLoansRecomputesSummaries(t *testing.T) {
	origin := time.Unix(1_700_000_000, 0)
	clock := &fixedClock{now: origin}
	values := &stubValuations{values: map[string]Valuation{
		"punks/42": {Amount: wei(45, 2, 1), Timestamp: origin},
	}}
	svc := newTestService(t, clock, values, &stubSettlement{})

	loan, err := svc.OpenLoan(context.Background(), OpenLoanRequest{
		Collection:  "punks",
		TokenID:     "42",
		Principal:   wei(22, 6, 1),
		BorrowToken: "WETH",
		BorrowerID:  "alice",
	})
	if err != nil {
		t.Fatalf("open loan: %v", err)
	}

	// 32 days later the summary reflects accrual without any repayment.
	clock.now = origin.Add(32 * 24 * time.Hour)
	values.values["punks/42"] = Valuation{Amount: wei(45, 2, 1), Timestamp: clock.now}

	summaries, err := svc.ListLoans(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	summary := summaries[0]
	if summary.LoanID != loan.ID {
		t.Fatalf("unexpected loan id %q", summary.LoanID)
	}
	expectedOwed, _ := new(big.Int).SetString("22768416438356164384", 10)
	if summary.TotalOwed.Cmp(expectedOwed) != 0 {
		t.Fatalf("unexpected owed: got %s want %s", summary.TotalOwed, expectedOwed)
	}
	if summary.DaysActive != 32 {
		t.Fatalf("expected 32 days active, got %d", summary.DaysActive)
	}
	if summary.Band != BandHealthy {
		t.Fatalf("expected healthy band, got %s", summary.Band)
	}

	// The provider going dark degrades reads to the stored valuation.
	values.err = errors.New("oracle down")
	summaries, err = svc.ListLoans(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list with provider down: %v", err)
	}
	if summaries[0].CollateralValue.Cmp(wei(45, 2, 1)) != 0 {
		t.Fatalf("expected stored valuation fallback, got %s", summaries[0].CollateralValue)
	}
}
