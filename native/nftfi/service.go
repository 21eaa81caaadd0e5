package nftfi

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"nftlend/observability"
	"nftlend/observability/logging"
)

// Valuation is a collateral price observation supplied by an external
// provider.
type Valuation struct {
	Amount    *big.Int
	Timestamp time.Time
}

// ValuationProvider supplies the current collateral value for an asset.
type ValuationProvider interface {
	CurrentValue(ctx context.Context, collection, tokenID string) (Valuation, error)
}

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }

// SettlementKind labels the on-chain movement an instruction describes.
type SettlementKind string

const (
	// SettleOriginate moves the collateral into custody and disburses the
	// principal to the borrower.
	SettleOriginate SettlementKind = "loan.originate"
	// SettleRepayment moves repayment funds from the counterparty.
	SettleRepayment SettlementKind = "loan.repayment"
	// SettleRelease returns collateral custody to the borrower.
	SettleRelease SettlementKind = "collateral.release"
	// SettleSeize transfers collateral custody to the liquidator.
	SettleSeize SettlementKind = "collateral.seize"
)

// SettlementInstruction describes what must move on-chain for a loan state
// transition. The engine produces instructions; actual custody and fund
// transfer happen in the external settlement layer.
type SettlementInstruction struct {
	Kind         SettlementKind
	Collateral   CollateralAsset
	BorrowToken  string
	Amount       *big.Int
	Counterparty string
}

// Settlement executes an instruction against the external settlement layer
// and returns only once the movement is confirmed. The engine performs no
// retries; retry policy belongs to the settlement layer.
type Settlement interface {
	Execute(ctx context.Context, instr SettlementInstruction) error
}

// LoanSummary is the read model produced for UI consumers. Accrual and
// health are recomputed at call time, never served from cached values.
type LoanSummary struct {
	LoanID          string
	BorrowerID      string
	Status          LoanStatus
	Collateral      CollateralAsset
	CollateralValue *big.Int
	Principal       *big.Int
	TotalOwed       *big.Int
	HealthFactor    string
	Band            RiskBand
	DaysActive      int
}

// OpenLoanRequest is a borrow request against a single collateral asset.
type OpenLoanRequest struct {
	Collection  string
	TokenID     string
	Principal   *big.Int
	BorrowToken string
	BorrowerID  string
}

// RepayRequest submits a repayment. RequestID is the caller's idempotency
// key; retrying with the same key replays the original outcome.
type RepayRequest struct {
	LoanID    string
	Amount    *big.Int
	RequestID string
}

// RepaymentOutcome pairs the ledger result with the collateral release
// instruction produced when the final payment closed the loan.
type RepaymentOutcome struct {
	Result  *RepaymentResult
	Release *SettlementInstruction
}

// LiquidationOutcome pairs the ledger result with the collateral seizure
// instruction for the settlement layer.
type LiquidationOutcome struct {
	Result *LiquidationResult
	Seize  *SettlementInstruction
}

const defaultFreshnessWindow = 5 * time.Minute

// Service is the orchestration facade over the loan ledger. It owns the
// valuation freshness policy and the hand-off to the settlement layer; all
// loan invariants live in the ledger itself.
type Service struct {
	ledger     *Ledger
	valuations ValuationProvider
	settlement Settlement
	clock      Clock
	freshness  time.Duration
	logger     *slog.Logger
	metrics    *observability.LendingMetrics
}

// ServiceOption customises the service instance.
type ServiceOption func(*Service)

// WithClock overrides the wall clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// WithLogger supplies a structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics wires the Prometheus collectors.
func WithMetrics(metrics *observability.LendingMetrics) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// WithFreshnessWindow overrides the maximum acceptable valuation age for
// origination and liquidation.
func WithFreshnessWindow(window time.Duration) ServiceOption {
	return func(s *Service) {
		if window > 0 {
			s.freshness = window
		}
	}
}

// NewService constructs the lending facade.
func NewService(ledger *Ledger, valuations ValuationProvider, settlement Settlement, opts ...ServiceOption) *Service {
	s := &Service{
		ledger:     ledger,
		valuations: valuations,
		settlement: settlement,
		clock:      SystemClock(),
		freshness:  defaultFreshnessWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now()
}

func (s *Service) currentValue(ctx context.Context, collection, tokenID string) (Valuation, error) {
	val, err := s.valuations.CurrentValue(ctx, collection, tokenID)
	if err != nil {
		return Valuation{}, fmt.Errorf("valuation %s/%s: %w", collection, tokenID, err)
	}
	if val.Amount == nil || val.Amount.Sign() <= 0 {
		return Valuation{}, ErrInvalidCollateralValue
	}
	return val, nil
}

func (s *Service) freshValue(ctx context.Context, collection, tokenID string, now time.Time) (Valuation, error) {
	val, err := s.currentValue(ctx, collection, tokenID)
	if err != nil {
		return Valuation{}, err
	}
	if now.Sub(val.Timestamp) > s.freshness {
		return Valuation{}, fmt.Errorf("%w: observed at %s", ErrStaleValuation, val.Timestamp.UTC().Format(time.RFC3339))
	}
	return val, nil
}

func (s *Service) settle(ctx context.Context, instr SettlementInstruction) error {
	if err := s.settlement.Execute(ctx, instr); err != nil {
		s.metrics.Failure(string(instr.Kind), "settlement")
		return fmt.Errorf("%w: %s: %v", ErrSettlementFailed, instr.Kind, err)
	}
	return nil
}

// QuoteMaxBorrow returns collateralValue * maxLTV for the asset. The quote is
// guidance only: OpenLoan re-validates against a fresh valuation, so a stale
// quote can never be exploited.
func (s *Service) QuoteMaxBorrow(ctx context.Context, collection, tokenID string) (*big.Int, error) {
	params, err := s.ledger.Params().Lookup(collection)
	if err != nil {
		return nil, err
	}
	val, err := s.currentValue(ctx, collection, tokenID)
	if err != nil {
		return nil, err
	}
	return mulBps(val.Amount, params.MaxLTVBps), nil
}

// OpenLoan validates the request, waits for settlement confirmation of the
// collateral pledge and principal disbursement, and then records the Active
// loan. Validation failures reject before any movement is attempted.
func (s *Service) OpenLoan(ctx context.Context, req OpenLoanRequest) (*Loan, error) {
	start := s.now()
	defer s.metrics.ObserveOperation("open_loan", start)

	if req.Principal == nil || req.Principal.Sign() <= 0 {
		s.metrics.Failure("open_loan", "invalid_amount")
		return nil, ErrInvalidAmount
	}
	params, err := s.ledger.Params().Lookup(req.Collection)
	if err != nil {
		s.metrics.Failure("open_loan", "unknown_class")
		return nil, err
	}
	now := s.now()
	val, err := s.freshValue(ctx, req.Collection, req.TokenID, now)
	if err != nil {
		s.metrics.Failure("open_loan", "valuation")
		return nil, err
	}
	if req.Principal.Cmp(mulBps(val.Amount, params.MaxLTVBps)) > 0 {
		s.metrics.Failure("open_loan", "exceeds_max_ltv")
		return nil, ErrExceedsMaxLTV
	}

	asset := CollateralAsset{
		Collection:     req.Collection,
		TokenID:        req.TokenID,
		EstimatedValue: val.Amount,
		ValuationTime:  val.Timestamp,
	}
	if err := s.settle(ctx, SettlementInstruction{
		Kind:         SettleOriginate,
		Collateral:   asset,
		BorrowToken:  req.BorrowToken,
		Amount:       req.Principal,
		Counterparty: req.BorrowerID,
	}); err != nil {
		return nil, err
	}

	loan, err := s.ledger.OpenLoan(ctx, asset, req.Principal, req.BorrowToken, req.BorrowerID, now)
	if err != nil {
		s.metrics.Failure("open_loan", "ledger")
		s.log().Error("loan creation failed after settlement confirmation",
			"collateral", asset.ID(), logging.MaskField("borrower", req.BorrowerID), "error", err)
		return nil, err
	}
	s.metrics.LoanOpened()
	s.log().Info("loan opened", "loanId", loan.ID, logging.MaskField("borrower", loan.BorrowerID),
		"principal", loan.Principal.String(), "rateBps", loan.RateBps)
	return loan, nil
}

// PreviewRepayment computes the effect of a prospective repayment against the
// current valuation without mutating anything.
func (s *Service) PreviewRepayment(ctx context.Context, loanID string, amount *big.Int) (RepaymentPreview, error) {
	loan, err := s.ledger.GetLoan(ctx, loanID)
	if err != nil {
		return RepaymentPreview{}, err
	}
	value := s.valuationOrStored(ctx, loan)
	return s.ledger.PreviewRepayment(ctx, loanID, amount, value, s.now())
}

// Repay settles the payment transfer and applies it to the loan. Retries with
// the same RequestID replay the recorded outcome without moving funds again.
func (s *Service) Repay(ctx context.Context, req RepayRequest) (*RepaymentOutcome, error) {
	start := s.now()
	defer s.metrics.ObserveOperation("repay", start)

	if req.Amount == nil || req.Amount.Sign() <= 0 {
		s.metrics.Failure("repay", "invalid_amount")
		return nil, ErrInvalidAmount
	}
	loan, err := s.ledger.GetLoan(ctx, req.LoanID)
	if err != nil {
		s.metrics.Failure("repay", "not_found")
		return nil, err
	}

	replay := false
	if req.RequestID != "" {
		prior, err := s.ledger.PriorRepayment(ctx, req.LoanID, req.RequestID)
		if err != nil {
			return nil, err
		}
		replay = prior != nil
	}
	if !replay {
		if loan.Status != LoanStatusActive {
			s.metrics.Failure("repay", "not_active")
			return nil, ErrLoanNotActive
		}
		if err := s.settle(ctx, SettlementInstruction{
			Kind:         SettleRepayment,
			Collateral:   loan.Collateral,
			BorrowToken:  loan.BorrowToken,
			Amount:       req.Amount,
			Counterparty: loan.BorrowerID,
		}); err != nil {
			return nil, err
		}
	}

	value := s.valuationOrStored(ctx, loan)
	result, err := s.ledger.Repay(ctx, req.LoanID, req.Amount, req.RequestID, value, s.now())
	if err != nil {
		s.metrics.Failure("repay", "ledger")
		return nil, err
	}

	outcome := &RepaymentOutcome{Result: result}
	if result.Released {
		outcome.Release = &SettlementInstruction{
			Kind:         SettleRelease,
			Collateral:   result.Loan.Collateral,
			BorrowToken:  result.Loan.BorrowToken,
			Amount:       result.Excess,
			Counterparty: result.Loan.BorrowerID,
		}
	}
	if !result.Replayed {
		s.metrics.Repayment(result.Released)
		s.log().Info("repayment applied", "loanId", result.Loan.ID,
			"applied", result.Applied.String(), "owed", result.NewTotalOwed.String(),
			"released", result.Released)
	}
	return outcome, nil
}

// Liquidate forcibly closes an under-collateralized loan. The liquidator's
// debt payment must confirm before the ledger transition; the seizure
// instruction is produced for the settlement layer afterwards.
func (s *Service) Liquidate(ctx context.Context, loanID, liquidator string) (*LiquidationOutcome, error) {
	start := s.now()
	defer s.metrics.ObserveOperation("liquidate", start)

	loan, err := s.ledger.GetLoan(ctx, loanID)
	if err != nil {
		s.metrics.Failure("liquidate", "not_found")
		return nil, err
	}
	if loan.Status != LoanStatusActive {
		s.metrics.Failure("liquidate", "not_active")
		return nil, ErrLoanNotActive
	}
	params, err := s.ledger.Params().Lookup(loan.Collateral.Collection)
	if err != nil {
		return nil, err
	}
	now := s.now()
	val, err := s.freshValue(ctx, loan.Collateral.Collection, loan.Collateral.TokenID, now)
	if err != nil {
		s.metrics.Failure("liquidate", "valuation")
		return nil, err
	}

	assessment := s.ledger.Health().Evaluate(loan, val.Amount, now)
	if !assessment.LiquidationEligible(params) {
		s.metrics.Failure("liquidate", "not_eligible")
		return nil, ErrNotEligible
	}
	if err := s.settle(ctx, SettlementInstruction{
		Kind:         SettleRepayment,
		Collateral:   loan.Collateral,
		BorrowToken:  loan.BorrowToken,
		Amount:       assessment.TotalOwed,
		Counterparty: liquidator,
	}); err != nil {
		return nil, err
	}

	result, err := s.ledger.Liquidate(ctx, loanID, liquidator, val.Amount, s.now())
	if err != nil {
		s.metrics.Failure("liquidate", "ledger")
		return nil, err
	}
	s.metrics.Liquidation()
	s.log().Info("loan liquidated", "loanId", result.Loan.ID,
		logging.MaskField("liquidator", liquidator), "debt", result.Debt.String())
	return &LiquidationOutcome{
		Result: result,
		Seize: &SettlementInstruction{
			Kind:         SettleSeize,
			Collateral:   result.Seized,
			BorrowToken:  result.Loan.BorrowToken,
			Amount:       result.Debt,
			Counterparty: liquidator,
		},
	}, nil
}

// GetLoan returns the recomputed summary for a single loan.
func (s *Service) GetLoan(ctx context.Context, loanID string) (LoanSummary, error) {
	loan, err := s.ledger.GetLoan(ctx, loanID)
	if err != nil {
		return LoanSummary{}, err
	}
	return s.summarize(ctx, loan), nil
}

// ListLoans returns recomputed summaries for a borrower's loans, optionally
// filtered by status. Accrual and health factors are derived at call time.
func (s *Service) ListLoans(ctx context.Context, borrowerID string, statuses ...LoanStatus) ([]LoanSummary, error) {
	loans, err := s.ledger.ListLoans(ctx, borrowerID, statuses...)
	if err != nil {
		return nil, err
	}
	summaries := make([]LoanSummary, 0, len(loans))
	for _, loan := range loans {
		summaries = append(summaries, s.summarize(ctx, loan))
	}
	return summaries, nil
}

// Repayments returns the audit trail for a loan.
func (s *Service) Repayments(ctx context.Context, loanID string) ([]*RepaymentRecord, error) {
	return s.ledger.Repayments(ctx, loanID)
}

// valuationOrStored fetches the current collateral value, falling back to the
// valuation captured at origination when the provider is unavailable. Reads
// and repayments degrade gracefully; only origination and liquidation insist
// on fresh data.
func (s *Service) valuationOrStored(ctx context.Context, loan *Loan) *big.Int {
	val, err := s.currentValue(ctx, loan.Collateral.Collection, loan.Collateral.TokenID)
	if err != nil {
		s.log().Warn("valuation unavailable, using stored estimate",
			"collateral", loan.Collateral.ID(), "error", err)
		return loan.Collateral.EstimatedValue
	}
	return val.Amount
}

func (s *Service) summarize(ctx context.Context, loan *Loan) LoanSummary {
	now := s.now()
	value := s.valuationOrStored(ctx, loan)
	assessment := s.ledger.Health().Evaluate(loan, value, now)
	s.metrics.BandObserved(string(assessment.Band))
	days := 0
	if elapsed := now.Sub(loan.OriginatedAt); elapsed > 0 {
		days = int(elapsed.Hours() / 24)
	}
	return LoanSummary{
		LoanID:          loan.ID,
		BorrowerID:      loan.BorrowerID,
		Status:          loan.Status,
		Collateral:      loan.Collateral,
		CollateralValue: value,
		Principal:       loan.Principal,
		TotalOwed:       assessment.TotalOwed,
		HealthFactor:    assessment.HealthFactorDecimal(),
		Band:            assessment.Band,
		DaysActive:      days,
	}
}
